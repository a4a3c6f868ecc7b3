package pg

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// --- JSON helpers ---

func jsonOrEmpty(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte("{}"), nil
	}
	return data, nil
}

// --- pgvector helpers ---

// vectorToString renders v in pgvector's text form.
func vectorToString(v []float32) string {
	if len(v) == 0 {
		return ""
	}
	buf := make([]byte, 0, len(v)*10)
	buf = append(buf, '[')
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'g', -1, 32)
	}
	buf = append(buf, ']')
	return string(buf)
}

func nilVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return vectorToString(v)
}

func nilTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func wrap(op, id string, err error) error {
	return fmt.Errorf("%s %s: %w", op, id, err)
}

func unmarshalMap(data []byte, dest *map[string]string) error {
	if len(data) == 0 || string(data) == "{}" {
		return nil
	}
	return json.Unmarshal(data, dest)
}
