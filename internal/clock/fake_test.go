package clock

import (
	"testing"
	"time"
)

func fakeStart() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestFakeAfterFiresInOrder(t *testing.T) {
	f := NewFake(fakeStart())

	var fired []string
	f.After(2*time.Minute, func() { fired = append(fired, "b") })
	f.After(1*time.Minute, func() { fired = append(fired, "a") })
	f.After(3*time.Minute, func() { fired = append(fired, "c") })

	f.Advance(10 * time.Minute)

	want := []string{"a", "b", "c"}
	if len(fired) != len(want) {
		t.Fatalf("fired %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired %v, want %v", fired, want)
		}
	}
}

func TestFakeAfterCancel(t *testing.T) {
	f := NewFake(fakeStart())

	fired := false
	cancel := f.After(time.Minute, func() { fired = true })
	cancel()
	cancel() // safe to call twice

	f.Advance(5 * time.Minute)
	if fired {
		t.Error("canceled timer fired")
	}
	if f.PendingTimers() != 0 {
		t.Errorf("PendingTimers = %d, want 0", f.PendingTimers())
	}
}

func TestFakeCallbackObservesFiringTime(t *testing.T) {
	f := NewFake(fakeStart())

	var at time.Time
	f.After(90*time.Second, func() { at = f.Now() })
	f.Advance(10 * time.Minute)

	want := fakeStart().Add(90 * time.Second)
	if !at.Equal(want) {
		t.Errorf("callback saw %v, want %v", at, want)
	}
	if !f.Now().Equal(fakeStart().Add(10 * time.Minute)) {
		t.Errorf("Now = %v after Advance", f.Now())
	}
}

func TestFakeEveryFiresRepeatedly(t *testing.T) {
	f := NewFake(fakeStart())

	count := 0
	cancel := f.Every(time.Minute, func() { count++ })

	f.Advance(3*time.Minute + 30*time.Second)
	if count != 3 {
		t.Fatalf("count = %d after 3.5 minutes, want 3", count)
	}

	cancel()
	f.Advance(10 * time.Minute)
	if count != 3 {
		t.Errorf("count = %d after cancel, want 3", count)
	}
}

func TestFakeStopCancelsAll(t *testing.T) {
	f := NewFake(fakeStart())

	fired := 0
	f.After(time.Minute, func() { fired++ })
	f.Every(time.Minute, func() { fired++ })

	f.Stop()
	f.Advance(time.Hour)
	if fired != 0 {
		t.Errorf("fired = %d after Stop, want 0", fired)
	}
}

func TestFakeAdvanceZero(t *testing.T) {
	f := NewFake(fakeStart())
	fired := false
	f.After(0, func() { fired = true })
	f.Advance(0)
	if !fired {
		t.Error("zero-delay timer should fire on Advance(0)")
	}
}
