package typing

import (
	"reflect"
	"testing"
	"time"
)

type liveEmission struct {
	action  Action
	content string
	cursor  int
	hasBody bool
}

func newTestStreamer() (*Streamer, *[]liveEmission, *time.Time) {
	var emitted []liveEmission
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := NewStreamer(StreamerConfig{
		Emit: func(action Action, content *string, cursor *int) {
			e := liveEmission{action: action}
			if content != nil {
				e.content = *content
				e.hasBody = true
			}
			if cursor != nil {
				e.cursor = *cursor
			}
			emitted = append(emitted, e)
		},
	})
	st.nowFn = func() time.Time { return now }
	return st, &emitted, &now
}

func TestStreamer_BurstOpensWithSnapshotThenStart(t *testing.T) {
	st, emitted, _ := newTestStreamer()

	st.Keystroke("h", 1)

	if len(*emitted) != 2 {
		t.Fatalf("emissions = %v, want snapshot + start", *emitted)
	}
	first, second := (*emitted)[0], (*emitted)[1]
	if first.action != ActionTyping || first.content != "h" || first.cursor != 1 {
		t.Errorf("first emission = %+v, want typing snapshot", first)
	}
	if second.action != ActionStartTyping || second.hasBody {
		t.Errorf("second emission = %+v, want bare start_typing", second)
	}
}

func TestStreamer_ThrottlesSnapshots(t *testing.T) {
	st, emitted, now := newTestStreamer()

	st.Keystroke("h", 1)
	*now = now.Add(50 * time.Millisecond)
	st.Keystroke("he", 2) // inside the throttle window, suppressed
	*now = now.Add(60 * time.Millisecond)
	st.Keystroke("hel", 3)

	var actions []Action
	for _, e := range *emitted {
		actions = append(actions, e.action)
	}
	want := []Action{ActionTyping, ActionStartTyping, ActionTyping}
	if !reflect.DeepEqual(actions, want) {
		t.Errorf("actions = %v, want %v", actions, want)
	}
	last := (*emitted)[len(*emitted)-1]
	if last.content != "hel" || last.cursor != 3 {
		t.Errorf("last snapshot = %+v, want content hel cursor 3", last)
	}
}

func TestStreamer_EmptyContentStops(t *testing.T) {
	st, emitted, now := newTestStreamer()

	st.Keystroke("h", 1)
	*now = now.Add(200 * time.Millisecond)
	st.Keystroke("", 0)

	last := (*emitted)[len(*emitted)-1]
	if last.action != ActionStopTyping || last.content != "" || !last.hasBody {
		t.Errorf("last emission = %+v, want stop_typing with empty content", last)
	}
	if st.IsActive() {
		t.Error("streamer should be inactive after clear")
	}
}

func TestStreamer_EmptyWhileIdleEmitsNothing(t *testing.T) {
	st, emitted, _ := newTestStreamer()

	st.Keystroke("", 0)

	if len(*emitted) != 0 {
		t.Errorf("emissions = %v, want none", *emitted)
	}
}

func TestStreamer_SpecialKeyBypassesThrottle(t *testing.T) {
	st, emitted, _ := newTestStreamer()

	st.Keystroke("he", 2)
	st.SpecialKey(ActionBackspace, 1) // same instant, still emitted
	st.SpecialKey(ActionDelete, 0)

	var actions []Action
	for _, e := range *emitted {
		actions = append(actions, e.action)
	}
	want := []Action{ActionTyping, ActionStartTyping, ActionBackspace, ActionDelete}
	if !reflect.DeepEqual(actions, want) {
		t.Errorf("actions = %v, want %v", actions, want)
	}
	back := (*emitted)[2]
	if back.hasBody || back.cursor != 1 {
		t.Errorf("backspace emission = %+v, want cursor-only", back)
	}
}

func TestStreamer_MessageSentStops(t *testing.T) {
	st, emitted, _ := newTestStreamer()

	st.Keystroke("hi", 2)
	st.MessageSent()
	st.MessageSent() // no-op once stopped

	last := (*emitted)[len(*emitted)-1]
	if last.action != ActionStopTyping {
		t.Errorf("last emission = %+v, want stop_typing", last)
	}
	if got := len(*emitted); got != 3 {
		t.Errorf("emission count = %d, want 3", got)
	}
}

func TestStreamer_CheckIdle_SafetyNetStop(t *testing.T) {
	st, emitted, now := newTestStreamer()

	st.Keystroke("hi", 2)

	*now = now.Add(DefaultStopDelay - time.Millisecond)
	st.CheckIdle()
	if !st.IsActive() {
		t.Fatal("burst should survive until the stop delay elapses")
	}

	*now = now.Add(2 * time.Millisecond)
	st.CheckIdle()

	last := (*emitted)[len(*emitted)-1]
	if last.action != ActionStopTyping {
		t.Errorf("last emission = %+v, want stop_typing", last)
	}
	if st.IsActive() {
		t.Error("streamer should be inactive after the safety net fires")
	}
}

func TestPreviewSet_ApplyAndRead(t *testing.T) {
	p := NewPreviewSet(0)

	p.Apply("u2", ActionTyping, "hel", 3)
	p.Apply("u2", ActionBackspace, "", 2)

	// Backspace moves the cursor but keeps the last snapshot's content.
	pv, ok := p.Preview("u2")
	if !ok || pv.Content != "hel" || pv.Cursor != 2 {
		t.Errorf("Preview = %+v ok=%v, want content hel cursor 2", pv, ok)
	}
}

func TestPreviewSet_StopClears(t *testing.T) {
	p := NewPreviewSet(0)

	p.Apply("u2", ActionTyping, "hi", 2)
	p.Apply("u2", ActionStopTyping, "", 0)

	if _, ok := p.Preview("u2"); ok {
		t.Error("stop_typing should clear the preview")
	}
}

func TestPreviewSet_Expiry(t *testing.T) {
	p := NewPreviewSet(0)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.nowFn = func() time.Time { return now }

	p.Apply("u2", ActionTyping, "hi", 2)

	now = now.Add(DefaultPreviewTTL - time.Millisecond)
	p.CheckExpired()
	if _, ok := p.Preview("u2"); !ok {
		t.Fatal("preview should survive inside the TTL")
	}

	now = now.Add(2 * time.Millisecond)
	p.CheckExpired()
	if _, ok := p.Preview("u2"); ok {
		t.Error("preview should expire without fresh updates")
	}
}

func TestPreviewSet_FreshUpdateResetsExpiry(t *testing.T) {
	p := NewPreviewSet(0)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.nowFn = func() time.Time { return now }

	p.Apply("u2", ActionTyping, "h", 1)
	now = now.Add(400 * time.Millisecond)
	p.Apply("u2", ActionTyping, "he", 2)
	now = now.Add(400 * time.Millisecond)
	p.CheckExpired()

	if _, ok := p.Preview("u2"); !ok {
		t.Error("refreshed preview should not expire")
	}
}

func TestPreviewSet_Reset(t *testing.T) {
	p := NewPreviewSet(0)
	p.Apply("u2", ActionTyping, "hi", 2)
	p.Reset()

	if len(p.Previews()) != 0 {
		t.Errorf("Previews after Reset = %v, want empty", p.Previews())
	}
}
