package tokens

import "testing"

func TestHeuristic(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"one two three", 3},
		{"a b c d e f g h i j", 13},
		{"  spaced\n\tout  words ", 3},
	}
	for _, tt := range tests {
		if got := (Heuristic{}).Count(tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New(\"\"): %v", err)
	}
	if _, ok := c.(Heuristic); !ok {
		t.Errorf("default counter = %T, want Heuristic", c)
	}
	if _, err := New("bogus"); err == nil {
		t.Error("unknown counter kind should fail")
	}
}
