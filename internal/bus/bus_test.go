package bus

import "testing"

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := New()

	var got any
	b.Subscribe(QuizStatusChange, func(p any) { got = p })

	want := QuizStatusUpdate{QuizID: 9, Status: "approved"}
	b.Publish(QuizStatusChange, want)

	update, ok := got.(QuizStatusUpdate)
	if !ok {
		t.Fatalf("payload: got %T, want QuizStatusUpdate", got)
	}
	if update != want {
		t.Errorf("payload: got %+v, want %+v", update, want)
	}
}

func TestPublish_MultipleSubscribers(t *testing.T) {
	b := New()

	n := 0
	b.Subscribe(AdminNotification, func(any) { n++ })
	b.Subscribe(AdminNotification, func(any) { n++ })
	b.Publish(AdminNotification, "x")

	if n != 2 {
		t.Errorf("deliveries: got %d, want 2", n)
	}
}

func TestPublish_SignalIsolation(t *testing.T) {
	b := New()

	n := 0
	b.Subscribe(StudentNotification, func(any) { n++ })
	b.Publish(ParentNotification, "x")

	if n != 0 {
		t.Errorf("cross-signal deliveries: got %d, want 0", n)
	}
}

func TestSubscribe_Cancel(t *testing.T) {
	b := New()

	n := 0
	cancel := b.Subscribe(TeacherApprovalUpdate, func(any) { n++ })
	b.Publish(TeacherApprovalUpdate, "x")
	cancel()
	cancel() // second cancel is a no-op
	b.Publish(TeacherApprovalUpdate, "x")

	if n != 1 {
		t.Errorf("deliveries: got %d, want 1", n)
	}
	if c := b.Count(TeacherApprovalUpdate); c != 0 {
		t.Errorf("Count after cancel: got %d, want 0", c)
	}
}

func TestPublish_UnknownSignalDropped(t *testing.T) {
	b := New()

	n := 0
	b.Subscribe(Signal("made-up"), func(any) { n++ })
	b.Publish(Signal("made-up"), "x")

	if n != 0 {
		t.Errorf("deliveries on unknown signal: got %d, want 0", n)
	}
}
