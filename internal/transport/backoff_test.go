package transport

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := &Backoff{Min: 100 * time.Millisecond, Max: time.Second}
	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		d := b.Next()
		if d < prev/2 {
			t.Fatalf("attempt %d shrank: %s after %s", i, d, prev)
		}
		prev = d
	}
	for i := 0; i < 10; i++ {
		if d := b.Next(); d > time.Second*11/10 {
			t.Fatalf("exceeded max: %s", d)
		}
	}
	b.Reset()
	if d := b.Next(); d > 110*time.Millisecond {
		t.Fatalf("reset should restart from min: %s", d)
	}
}
