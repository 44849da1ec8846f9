package clock

import (
	"testing"
	"time"
)

func TestClock_NowMillis(t *testing.T) {
	c := New()
	c.nowFn = func() int64 { return 1700000000000 }

	if got := c.NowMillis(); got != 1700000000000 {
		t.Errorf("NowMillis = %d, want 1700000000000", got)
	}
	want := time.UnixMilli(1700000000000)
	if got := c.Now(); !got.Equal(want) {
		t.Errorf("Now = %v, want %v", got, want)
	}
}

func TestClock_NextLocalID_Increases(t *testing.T) {
	c := New()
	now := int64(1700000000000)
	c.nowFn = func() int64 { return now }

	first := c.NextLocalID()
	if first != now {
		t.Errorf("first id = %d, want %d", first, now)
	}

	now += 5
	second := c.NextLocalID()
	if second != now {
		t.Errorf("second id = %d, want %d", second, now)
	}
}

func TestClock_NextLocalID_UniqueWithinMillisecond(t *testing.T) {
	c := New()
	c.nowFn = func() int64 { return 1700000000000 }

	seen := make(map[int64]bool)
	prev := int64(0)
	for i := 0; i < 100; i++ {
		id := c.NextLocalID()
		if seen[id] {
			t.Fatalf("duplicate id %d at iteration %d", id, i)
		}
		if id <= prev {
			t.Fatalf("id %d not strictly increasing after %d", id, prev)
		}
		seen[id] = true
		prev = id
	}
}

func TestClock_NextLocalID_ClockStepsBackward(t *testing.T) {
	c := New()
	now := int64(1700000000000)
	c.nowFn = func() int64 { return now }

	first := c.NextLocalID()
	now -= 1000
	second := c.NextLocalID()

	if second <= first {
		t.Errorf("id %d should still increase past %d when clock steps back", second, first)
	}
}
