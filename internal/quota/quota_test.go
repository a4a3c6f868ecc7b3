package quota

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(cfg Config) (*Manager, *fakeClock) {
	c := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newWithClock(cfg, c.Now), c
}

func TestRequest_DenialOrder(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		setup  func(m *Manager)
		tokens int
		calls  int
		want   string
	}{
		{
			name:   "global tokens",
			cfg:    Config{MaxTokensPerWindow: 100, MaxTokensPerRequest: 1000, PerProcessShare: 1},
			tokens: 101, calls: 1,
			want: ReasonGlobalTokens,
		},
		{
			name:   "global calls",
			cfg:    Config{MaxCallsPerWindow: 2, PerProcessShare: 1},
			setup:  func(m *Manager) { m.Request("other", 1, 2) },
			tokens: 1, calls: 1,
			want: ReasonGlobalCalls,
		},
		{
			name:   "per request",
			cfg:    Config{MaxTokensPerRequest: 50},
			tokens: 51, calls: 1,
			want: ReasonRequestTokens,
		},
		{
			name:   "process tokens",
			cfg:    Config{MaxTokensPerWindow: 1000, MaxTokensPerRequest: 1000},
			setup:  func(m *Manager) { m.Request("p1", 250, 1) },
			tokens: 51, calls: 1,
			want: ReasonProcessTokens,
		},
		{
			name:   "process calls",
			cfg:    Config{MaxCallsPerWindow: 10},
			setup:  func(m *Manager) { m.Request("p1", 1, 3) },
			tokens: 1, calls: 1,
			want: ReasonProcessCalls,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(tt.cfg)
			if tt.setup != nil {
				tt.setup(m)
			}
			before := m.Global()
			d := m.Request("p1", tt.tokens, tt.calls)
			if d.Granted || d.Reason != tt.want {
				t.Errorf("decision = %+v, want reason %q", d, tt.want)
			}
			if after := m.Global(); after != before {
				t.Errorf("denied request changed usage: %+v -> %+v", before, after)
			}
		})
	}
}

func TestRequest_GrantRecordsUsage(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	if d := m.Request("p1", 500, 2); !d.Granted {
		t.Fatalf("request denied: %s", d.Reason)
	}
	if u := m.Usage("p1"); u.Tokens != 500 || u.Calls != 2 {
		t.Errorf("usage = %+v", u)
	}
	if g := m.Global(); g.Tokens != 500 || g.Calls != 2 {
		t.Errorf("global = %+v", g)
	}
	if s := m.Stats(); s.Granted != 1 || s.Processes != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRequest_ProcessShareBoundary(t *testing.T) {
	m, _ := newTestManager(Config{MaxTokensPerWindow: 1000, MaxTokensPerRequest: 1000, PerProcessShare: 0.3})

	if d := m.Request("fresh", 300, 1); !d.Granted {
		t.Fatalf("request at the share cap denied: %s", d.Reason)
	}
	if d := m.Request("fresh", 1, 0); d.Granted || d.Reason != ReasonProcessTokens {
		t.Fatalf("request past the share cap = %+v", d)
	}

	// p1 carries usage from before its share was lowered.
	m.mu.Lock()
	m.perProcess["p1"] = &Usage{Tokens: 400}
	m.global.Tokens += 400
	m.mu.Unlock()
	if g := m.Global(); g.Tokens != 700 {
		t.Fatalf("global tokens = %d, want 700", g.Tokens)
	}
	if d := m.Request("p1", 50, 1); d.Granted || d.Reason != ReasonProcessTokens {
		t.Errorf("p1 over its share = %+v, want %q", d, ReasonProcessTokens)
	}
	if u := m.Usage("p1"); u.Tokens != 400 {
		t.Errorf("denied request recorded usage: %+v", u)
	}
}

func TestCheck_DoesNotMutate(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	if d := m.Check("p1", 100, 1); !d.Granted {
		t.Fatalf("check denied: %s", d.Reason)
	}
	if g := m.Global(); g.Tokens != 0 || g.Calls != 0 {
		t.Errorf("check recorded usage: %+v", g)
	}
}

func TestRequire(t *testing.T) {
	m, _ := newTestManager(Config{MaxTokensPerRequest: 10})
	if err := m.Require("p1", 5, 1); err != nil {
		t.Errorf("require small: %v", err)
	}
	if err := m.Require("p1", 11, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("require large err = %v, want ErrQuotaExceeded", err)
	}
}

func TestWindowReset(t *testing.T) {
	m, c := newTestManager(Config{MaxTokensPerWindow: 1000, MaxTokensPerRequest: 1000, Window: time.Minute, PerProcessShare: 1})
	m.Request("p1", 1000, 1)
	if d := m.Request("p1", 1, 1); d.Granted {
		t.Fatal("request over the window limit granted")
	}
	c.Advance(time.Minute)
	if d := m.Request("p1", 1, 1); !d.Granted {
		t.Errorf("request after window reset denied: %s", d.Reason)
	}
	if g := m.Global(); g.Tokens != 1 {
		t.Errorf("global after reset = %+v", g)
	}
}

func TestSetConfig_KeepsUsage(t *testing.T) {
	m, _ := newTestManager(Config{MaxTokensPerWindow: 2000, MaxTokensPerRequest: 1000})
	// Process cap 600 of 2000.
	if d := m.Request("p1", 400, 1); !d.Granted {
		t.Fatalf("first request denied: %s", d.Reason)
	}
	m.Request("p2", 300, 1)
	m.SetConfig(Config{MaxTokensPerWindow: 1000, MaxTokensPerRequest: 1000})
	// p1 now capped at 300 and already holds 400.
	if d := m.Request("p1", 1, 1); d.Granted || d.Reason != ReasonProcessTokens {
		t.Errorf("decision after shrink = %+v", d)
	}
	if g := m.Global(); g.Tokens != 700 {
		t.Errorf("global after SetConfig = %+v, want 700 tokens", g)
	}
}

func TestConcurrentRequestsNeverOvershoot(t *testing.T) {
	m, _ := newTestManager(Config{MaxTokensPerWindow: 1000, MaxTokensPerRequest: 1000, PerProcessShare: 1})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				m.Request("p1", 7, 0)
			}
		}()
	}
	wg.Wait()
	if g := m.Global(); g.Tokens > 1000 || g.Tokens < 994 {
		t.Errorf("global tokens = %d, want in [994, 1000]", g.Tokens)
	}
}
