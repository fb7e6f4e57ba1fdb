package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gatelab/gwharness/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func newExecutor(registry Registry) (*Executor, *event.Producer) {
	events := event.NewProducer(log, 128)
	return New(log, registry, events), events
}

// drainUntil reads events until it sees one of the given type or times out.
func drainUntil(t *testing.T, events *event.Producer, typ event.Type) event.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events.Events():
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestRunUnknownCase(t *testing.T) {
	exec, _ := newExecutor(Registry{})
	accepted, _, err := exec.Run(context.Background(), "nope")
	require.Error(t, err)
	assert.False(t, accepted)
	assert.False(t, exec.Busy())
}

func TestRunEmitsStartedAndFinished(t *testing.T) {
	registry := Registry{}
	registry.Register("ok", func(ctx context.Context) error { return nil })
	exec, events := newExecutor(registry)

	accepted, reason, err := exec.Run(context.Background(), "ok")
	require.NoError(t, err)
	require.True(t, accepted)
	assert.Empty(t, reason)

	started := drainUntil(t, events, event.TypeCaseStarted)
	assert.Equal(t, "ok", started.CaseID)

	finished := drainUntil(t, events, event.TypeCaseFinished)
	assert.Equal(t, "ok", finished.CaseID)
	assert.True(t, finished.CaseOK)
	assert.Empty(t, finished.CaseError)

	require.Eventually(t, func() bool { return !exec.Busy() }, time.Second, 5*time.Millisecond)
}

func TestFailedCaseReleasesSlot(t *testing.T) {
	registry := Registry{}
	registry.Register("fail", func(ctx context.Context) error { return errors.New("boom") })
	exec, events := newExecutor(registry)

	accepted, _, err := exec.Run(context.Background(), "fail")
	require.NoError(t, err)
	require.True(t, accepted)

	finished := drainUntil(t, events, event.TypeCaseFinished)
	assert.False(t, finished.CaseOK)
	assert.Equal(t, "boom", finished.CaseError)

	require.Eventually(t, func() bool { return !exec.Busy() }, time.Second, 5*time.Millisecond)

	// the slot must accept the next request
	accepted, _, err = exec.Run(context.Background(), "fail")
	require.NoError(t, err)
	assert.True(t, accepted)
	drainUntil(t, events, event.TypeCaseFinished)
}

func TestPanickingCaseReleasesSlot(t *testing.T) {
	registry := Registry{}
	registry.Register("panic", func(ctx context.Context) error { panic("kaboom") })
	exec, events := newExecutor(registry)

	accepted, _, err := exec.Run(context.Background(), "panic")
	require.NoError(t, err)
	require.True(t, accepted)

	finished := drainUntil(t, events, event.TypeCaseFinished)
	assert.False(t, finished.CaseOK)
	assert.Contains(t, finished.CaseError, "kaboom")

	require.Eventually(t, func() bool { return !exec.Busy() }, time.Second, 5*time.Millisecond)
}

func TestBusyRejection(t *testing.T) {
	release := make(chan struct{})
	registry := Registry{}
	registry.Register("block", func(ctx context.Context) error {
		<-release
		return nil
	})
	exec, events := newExecutor(registry)

	accepted, _, err := exec.Run(context.Background(), "block")
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, reason, err := exec.Run(context.Background(), "block")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, "busy", reason)

	close(release)
	drainUntil(t, events, event.TypeCaseFinished)
	require.Eventually(t, func() bool { return !exec.Busy() }, time.Second, 5*time.Millisecond)
}

func TestConcurrentRunsAcceptExactlyOne(t *testing.T) {
	release := make(chan struct{})
	registry := Registry{}
	registry.Register("block", func(ctx context.Context) error {
		<-release
		return nil
	})
	exec, events := newExecutor(registry)

	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	acceptedCount := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted, reason, err := exec.Run(context.Background(), "block")
			assert.NoError(t, err)
			if accepted {
				mu.Lock()
				acceptedCount++
				mu.Unlock()
			} else {
				assert.Equal(t, "busy", reason)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acceptedCount)

	close(release)

	// exactly one finished event for the one accepted run
	drainUntil(t, events, event.TypeCaseFinished)
	select {
	case e := <-events.Events():
		t.Fatalf("unexpected extra event %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}
