package services

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telchar/muxd/internal/core/domain"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	// 1. Subscribe to a job
	ch, unsub := bus.Subscribe("job-1")
	defer unsub()

	// 2. Publish an event
	bus.PublishPhase("job-1", domain.PhaseRunning, nil)

	// 3. Verify delivery
	select {
	case e := <-ch:
		assert.Equal(t, domain.JobID("job-1"), e.JobID)
		assert.Equal(t, EventTypePhase, e.Type)
		assert.Contains(t, e.Data, "running")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_PhaseEventCarriesErrorKind(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("job-1")
	defer unsub()

	jobErr := domain.NewJobError(domain.FailureTimeout, "deadline exceeded", -1)
	bus.PublishPhase("job-1", domain.PhaseTimedOut, jobErr)

	select {
	case e := <-ch:
		assert.Contains(t, e.Data, "timed_out")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_NoCrossJobDelivery(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("job-a")
	defer unsub()

	bus.PublishProgress("job-b", 50)

	select {
	case e := <-ch:
		t.Fatalf("unexpected event for other job: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("job-1")
	unsub()

	// Channel is closed after unsubscribe.
	_, open := <-ch
	assert.False(t, open)

	// Publishing to a job with no subscribers must not panic.
	bus.PublishProgress("job-1", 10)
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch1, unsub1 := bus.Subscribe("job-1")
	defer unsub1()
	ch2, unsub2 := bus.Subscribe("job-1")
	defer unsub2()

	bus.PublishLog("job-1", "frame=100")

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			require.Equal(t, "frame=100", e.Data)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}
