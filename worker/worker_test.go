package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gatelab/gwharness/event"
	"github.com/gatelab/gwharness/executor"
	netutil "github.com/gatelab/gwharness/internal/net"
	"github.com/gatelab/gwharness/rpc"
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

type recordingSession struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (s *recordingSession) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	if s.fail {
		return errors.New("session unavailable")
	}
	return nil
}

func (s *recordingSession) Disconnect() error { return s.record("disconnect") }
func (s *recordingSession) Reconnect() error  { return s.record("reconnect") }
func (s *recordingSession) Pause() error      { return s.record("pause") }

// startWorker runs a worker on an ephemeral port and waits until it answers
// PING.
func startWorker(t *testing.T, registry executor.Registry, opts ...Option) (*Worker, *rpc.Client) {
	t.Helper()
	addr, err := netutil.EphemeralAddr()
	require.NoError(t, err)

	opts = append([]Option{
		WithListenAddr(addr),
		WithHeartbeatInterval(100 * time.Millisecond),
	}, opts...)
	w, err := New(registry, opts...)
	require.NoError(t, err)

	go w.Run()
	t.Cleanup(func() { w.Stop("test cleanup") })

	client := rpc.NewClient(log, addr)
	t.Cleanup(func() { client.Close() })

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return client.Ping(ctx) == nil
	}, 5*time.Second, 50*time.Millisecond)

	return w, client
}

func TestStatusIdle(t *testing.T) {
	_, client := startWorker(t, executor.Registry{})

	resp, err := client.Call(context.Background(), rpc.TypeGetStatus, nil)
	require.NoError(t, err)
	require.True(t, resp.OK)

	var status event.StatusSnapshot
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, "RUNNING", status.State)
	assert.False(t, status.Busy)
	assert.Empty(t, status.CurrentCase)
	require.NotNil(t, status.Risk)
	assert.True(t, status.Risk.Active)
}

func TestRunCaseScenario(t *testing.T) {
	release := make(chan struct{})
	registry := executor.Registry{}
	registry.Register("T1", func(ctx context.Context) error {
		<-release
		return nil
	})
	w, client := startWorker(t, registry)
	ctx := context.Background()

	// subscribe before running so we see the full event sequence
	var mu sync.Mutex
	var got []event.Event
	sub := event.NewSubscriber(log, w.listenAddr, func(e event.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sub.Run(subCtx)

	resp, err := client.Call(ctx, rpc.TypeRunCase, rpc.RunCasePayload{CaseID: "T1"})
	require.NoError(t, err)
	require.True(t, resp.OK)
	var run rpc.RunCaseData
	require.NoError(t, json.Unmarshal(resp.Data, &run))
	assert.True(t, run.Accepted)

	// RPC path stays responsive and reports busy while the case runs
	resp, err = client.Call(ctx, rpc.TypeGetStatus, nil)
	require.NoError(t, err)
	var status event.StatusSnapshot
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.True(t, status.Busy)
	assert.Equal(t, "T1", status.CurrentCase)

	// a second case is rejected, not queued
	resp, err = client.Call(ctx, rpc.TypeRunCase, rpc.RunCasePayload{CaseID: "T1"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Data, &run))
	assert.False(t, run.Accepted)
	assert.Equal(t, "busy", run.Reason)

	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range got {
			if e.Type == event.TypeCaseFinished {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	startedIdx, finishedIdx := -1, -1
	for i, e := range got {
		switch e.Type {
		case event.TypeCaseStarted:
			startedIdx = i
		case event.TypeCaseFinished:
			finishedIdx = i
			assert.True(t, e.CaseOK)
			assert.Equal(t, "T1", e.CaseID)
		}
	}
	mu.Unlock()
	require.GreaterOrEqual(t, startedIdx, 0)
	require.Greater(t, finishedIdx, startedIdx)

	// slot is free again
	resp, err = client.Call(ctx, rpc.TypeGetStatus, nil)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.False(t, status.Busy)
}

func TestRunUnknownCase(t *testing.T) {
	_, client := startWorker(t, executor.Registry{})

	resp, err := client.Call(context.Background(), rpc.TypeRunCase, rpc.RunCasePayload{CaseID: "nope"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown case")
}

func TestUnknownRequestType(t *testing.T) {
	_, client := startWorker(t, executor.Registry{})
	ctx := context.Background()

	resp, err := client.Call(ctx, rpc.Type("BOGUS"), nil)
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown request type")

	// connection is still usable
	require.NoError(t, client.Ping(ctx))
}

func TestSessionForwarding(t *testing.T) {
	sess := &recordingSession{}
	_, client := startWorker(t, executor.Registry{}, WithSession(sess))
	ctx := context.Background()

	for _, typ := range []rpc.Type{rpc.TypeDisconnect, rpc.TypeReconnect, rpc.TypePause} {
		resp, err := client.Call(ctx, typ, nil)
		require.NoError(t, err)
		assert.True(t, resp.OK, "type %s", typ)
	}

	sess.mu.Lock()
	assert.Equal(t, []string{"disconnect", "reconnect", "pause"}, sess.calls)
	sess.mu.Unlock()
}

func TestSessionErrorSurfaces(t *testing.T) {
	sess := &recordingSession{fail: true}
	_, client := startWorker(t, executor.Registry{}, WithSession(sess))

	resp, err := client.Call(context.Background(), rpc.TypeDisconnect, nil)
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "session unavailable")
}

func TestNoSessionConfigured(t *testing.T) {
	_, client := startWorker(t, executor.Registry{})

	resp, err := client.Call(context.Background(), rpc.TypePause, nil)
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "no session configured")
}

func TestRiskAdminOps(t *testing.T) {
	_, client := startWorker(t, executor.Registry{})
	ctx := context.Background()

	maxOrder := 10
	resp, err := client.Call(ctx, rpc.TypeSetThresholds, rpc.ThresholdsPayload{MaxOrderCount: &maxOrder})
	require.NoError(t, err)
	require.True(t, resp.OK)
	var snap event.RiskSnapshot
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	assert.Equal(t, 10, snap.MaxOrderCount)
	assert.Equal(t, defaultMaxCancelCount, snap.MaxCancelCount)

	resp, err = client.Call(ctx, rpc.TypeGetThresholds, nil)
	require.NoError(t, err)
	require.True(t, resp.OK)
	var thresholds map[string]int
	require.NoError(t, json.Unmarshal(resp.Data, &thresholds))
	assert.Equal(t, 10, thresholds["max_order_count"])

	resp, err = client.Call(ctx, rpc.TypeResetRisk, nil)
	require.NoError(t, err)
	assert.True(t, resp.OK)

	resp, err = client.Call(ctx, rpc.TypeGetRisk, nil)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	assert.True(t, snap.Active)
	assert.Zero(t, snap.OrderCount)
}

func TestHeartbeatStatusEvents(t *testing.T) {
	w, _ := startWorker(t, executor.Registry{})

	received := make(chan event.Event, 64)
	sub := event.NewSubscriber(log, w.listenAddr, func(e event.Event) {
		if e.Type == event.TypeStatus {
			select {
			case received <- e:
			default:
			}
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	select {
	case e := <-received:
		require.NotNil(t, e.Status)
		assert.Equal(t, "RUNNING", e.Status.State)
	case <-time.After(5 * time.Second):
		t.Fatal("no status heartbeat event")
	}
}

func TestShutdownRequest(t *testing.T) {
	registry := executor.Registry{}
	addr, err := netutil.EphemeralAddr()
	require.NoError(t, err)
	w, err := New(registry, WithListenAddr(addr), WithHeartbeatInterval(100*time.Millisecond))
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- w.Run() }()

	client := rpc.NewClient(log, addr)
	defer client.Close()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return client.Ping(ctx) == nil
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := client.Call(context.Background(), rpc.TypeShutdown, nil)
	require.NoError(t, err)
	assert.True(t, resp.OK)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after SHUTDOWN")
	}
}
