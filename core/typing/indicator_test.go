package typing

import (
	"reflect"
	"testing"
	"time"
)

func newTestIndicator() (*Indicator, *[]bool, *time.Time) {
	var emitted []bool
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ind := NewIndicator(IndicatorConfig{
		Emit: func(isTyping bool) { emitted = append(emitted, isTyping) },
	})
	ind.nowFn = func() time.Time { return now }
	return ind, &emitted, &now
}

func TestIndicator_FirstKeystrokeEmitsOnce(t *testing.T) {
	ind, emitted, _ := newTestIndicator()

	ind.Keystroke("h")
	ind.Keystroke("he")
	ind.Keystroke("hel")

	if want := []bool{true}; !reflect.DeepEqual(*emitted, want) {
		t.Errorf("emitted = %v, want %v", *emitted, want)
	}
	if !ind.IsTyping() {
		t.Error("indicator should be typing")
	}
}

func TestIndicator_BlankContentStops(t *testing.T) {
	ind, emitted, _ := newTestIndicator()

	ind.Keystroke("hi")
	ind.Keystroke("   ")

	if want := []bool{true, false}; !reflect.DeepEqual(*emitted, want) {
		t.Errorf("emitted = %v, want %v", *emitted, want)
	}
}

func TestIndicator_BlankWhileIdleEmitsNothing(t *testing.T) {
	ind, emitted, _ := newTestIndicator()

	ind.Keystroke("")

	if len(*emitted) != 0 {
		t.Errorf("emitted = %v, want none", *emitted)
	}
}

func TestIndicator_MessageSentStops(t *testing.T) {
	ind, emitted, _ := newTestIndicator()

	ind.Keystroke("hi")
	ind.MessageSent()
	ind.MessageSent() // no-op once stopped

	if want := []bool{true, false}; !reflect.DeepEqual(*emitted, want) {
		t.Errorf("emitted = %v, want %v", *emitted, want)
	}
}

func TestIndicator_CheckIdle_StopsAfterTimeout(t *testing.T) {
	ind, emitted, now := newTestIndicator()

	ind.Keystroke("hi")

	*now = now.Add(DefaultIdleStop - time.Millisecond)
	ind.CheckIdle()
	if ind.IsTyping() != true {
		t.Fatal("should still be typing before the idle timeout")
	}

	*now = now.Add(2 * time.Millisecond)
	ind.CheckIdle()
	ind.CheckIdle() // idempotent

	if want := []bool{true, false}; !reflect.DeepEqual(*emitted, want) {
		t.Errorf("emitted = %v, want %v", *emitted, want)
	}
	if ind.IsTyping() {
		t.Error("indicator should have stopped")
	}
}

func TestIndicator_KeystrokeExtendsDeadline(t *testing.T) {
	ind, emitted, now := newTestIndicator()

	ind.Keystroke("h")
	*now = now.Add(DefaultIdleStop - 100*time.Millisecond)
	ind.Keystroke("he")
	*now = now.Add(DefaultIdleStop - 100*time.Millisecond)
	ind.CheckIdle()

	if want := []bool{true}; !reflect.DeepEqual(*emitted, want) {
		t.Errorf("emitted = %v, want %v (deadline should slide with keystrokes)", *emitted, want)
	}
}

func TestIndicatorSet_ApplyAndClear(t *testing.T) {
	s := NewIndicatorSet()

	s.Apply("u2", true)
	s.Apply("u2", true) // idempotent
	s.Apply("u3", true)

	if !s.IsTyping("u2") {
		t.Error("u2 should be typing")
	}
	if want := []string{"u2", "u3"}; !reflect.DeepEqual(s.Typing(), want) {
		t.Errorf("Typing = %v, want %v", s.Typing(), want)
	}

	s.Apply("u2", false)
	s.Apply("u2", false) // idempotent against absence

	if s.IsTyping("u2") {
		t.Error("u2 should have stopped")
	}
}

func TestIndicatorSet_NoLocalExpiry(t *testing.T) {
	// A dropped stop event leaves the indicator set as-is: there is no
	// timeout that would clear it.
	s := NewIndicatorSet()
	s.Apply("u2", true)

	if !s.IsTyping("u2") {
		t.Error("u2 should stay typing until an explicit stop arrives")
	}
}

func TestIndicatorSet_Reset(t *testing.T) {
	s := NewIndicatorSet()
	s.Apply("u2", true)
	s.Reset()

	if len(s.Typing()) != 0 {
		t.Errorf("Typing after Reset = %v, want empty", s.Typing())
	}
}
