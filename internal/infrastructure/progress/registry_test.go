package progress

import (
	"testing"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
)

func event(id string, stage domain.Stage, pct int) domain.ProgressEvent {
	return domain.ProgressEvent{RequestID: id, Stage: stage, Progress: pct, At: time.Now().UTC()}
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)
	ch, cancel := reg.Subscribe("req-1")
	defer cancel()

	reg.Publish(event("req-1", domain.StageQueued, 0))
	reg.Publish(event("req-1", domain.StageFetching, 30))

	first := <-ch
	second := <-ch
	if first.Stage != domain.StageQueued || second.Stage != domain.StageFetching {
		t.Fatalf("unexpected event order: %v then %v", first.Stage, second.Stage)
	}
	if second.Progress != 30 {
		t.Fatalf("progress = %d, want 30", second.Progress)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)
	reg.Publish(event("req-1", domain.StageFetching, 40))
	reg.Publish(event("req-1", domain.StageFetching, 25))

	latest, ok := reg.Latest("req-1")
	if !ok {
		t.Fatalf("expected latest event")
	}
	if latest.Progress != 40 {
		t.Fatalf("progress regressed to %d", latest.Progress)
	}
}

func TestTerminalEventClosesSubscribers(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)
	ch, cancel := reg.Subscribe("req-1")
	defer cancel()

	reg.Publish(event("req-1", domain.StageComplete, 100))

	got := <-ch
	if got.Stage != domain.StageComplete {
		t.Fatalf("stage = %v, want complete", got.Stage)
	}
	if _, open := <-ch; open {
		t.Fatalf("channel still open after terminal event")
	}

	// Late publishes are ignored once terminal.
	reg.Publish(event("req-1", domain.StageFetching, 10))
	latest, _ := reg.Latest("req-1")
	if latest.Stage != domain.StageComplete {
		t.Fatalf("terminal state overwritten: %v", latest.Stage)
	}
}

func TestSubscribeAfterTerminalDeliversLatestThenCloses(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)
	reg.Publish(event("req-1", domain.StageError, 100))

	ch, cancel := reg.Subscribe("req-1")
	defer cancel()

	got, open := <-ch
	if !open || got.Stage != domain.StageError {
		t.Fatalf("expected terminal event replay, got %v open=%v", got.Stage, open)
	}
	if _, open := <-ch; open {
		t.Fatalf("channel not closed after replay")
	}
}

func TestTerminalStreamExpires(t *testing.T) {
	reg := NewRegistry(20*time.Millisecond, nil)
	reg.Publish(event("req-1", domain.StageComplete, 100))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := reg.Latest("req-1"); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stream never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIdleStreamsExpireWithoutTerminalEvent(t *testing.T) {
	reg := NewRegistry(20*time.Millisecond, nil)

	// A subscription to an id that never publishes, and a stream whose
	// terminal event never arrives, must both age out.
	ch, cancel := reg.Subscribe("ghost")
	defer cancel()
	reg.Publish(event("stuck", domain.StageFetching, 30))

	deadline := time.Now().Add(2 * time.Second)
	for {
		reg.mu.Lock()
		n := len(reg.streams)
		reg.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d idle streams retained past retention", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := reg.Latest("stuck"); ok {
		t.Fatalf("expired stream still served by Latest")
	}
	if _, open := <-ch; open {
		t.Fatalf("subscriber channel still open after idle expiry")
	}
}

func TestPublishReArmsIdleExpiry(t *testing.T) {
	reg := NewRegistry(50*time.Millisecond, nil)
	reg.Publish(event("req-1", domain.StageFetching, 10))

	// Keep the stream active past the original deadline.
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		reg.Publish(event("req-1", domain.StageFetching, 20+i))
	}
	if _, ok := reg.Latest("req-1"); !ok {
		t.Fatalf("active stream expired despite publishes")
	}
}

func TestCancelDetachesSubscriber(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)
	ch, cancel := reg.Subscribe("req-1")
	cancel()

	if _, open := <-ch; open {
		t.Fatalf("channel still open after cancel")
	}
	// Publishing after cancel must not panic on the closed channel.
	reg.Publish(event("req-1", domain.StageFetching, 10))
}
