// Package worker implements the worker-side agent: one HTTP listener
// multiplexing the control channel (/rpc), the event push channel (/events)
// and a heartbeat probe (/heartbeat), a serialized case executor, and the
// risk admin state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gatelab/gwharness/event"
	"github.com/gatelab/gwharness/executor"
	"github.com/gatelab/gwharness/rpc"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Session is the trading-gateway session collaborator the DISCONNECT,
// RECONNECT and PAUSE operations are forwarded to. The domain layer
// supplies the implementation.
type Session interface {
	Disconnect() error
	Reconnect() error
	Pause() error
}

// Worker is the agent running inside the worker process.
type Worker struct {
	logger *zap.SugaredLogger

	listenAddr        string
	heartbeatInterval time.Duration
	queueSize         int

	session  Session
	registry executor.Registry

	events      *event.Producer
	eventServer *event.Server
	exec        *executor.Executor
	risk        *RiskTracker
	rpcServer   *rpc.Server

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration

	httpServer *http.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(w *Worker)

func WithListenAddr(s string) Option {
	return func(w *Worker) {
		w.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		w.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(w *Worker) {
		w.logger = w.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.heartbeatInterval = d
	}
}

func WithEventQueueSize(n int) Option {
	return func(w *Worker) {
		w.queueSize = n
	}
}

func WithSession(s Session) Option {
	return func(w *Worker) {
		w.session = s
	}
}

// WithMasterTimeout makes the worker invoke f when the master has not polled
// /heartbeat for d. Used to clean up orphaned workers whose master died.
func WithMasterTimeout(d time.Duration, f func()) Option {
	return func(w *Worker) {
		w.heartbeatTimeout = d
		w.heartbeatFailureHandler = f
	}
}

// MasterTimeoutExit is the usual master-timeout action: exit so the slot and
// session state die with the process.
func MasterTimeoutExit() {
	fmt.Println("master heartbeat timed out, exiting")
	os.Exit(1)
}

// New constructs a worker serving the given case registry.
func New(registry executor.Registry, opts ...Option) (*Worker, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	w := &Worker{
		logger:            logger.Named("worker").Sugar(),
		listenAddr:        "127.0.0.1:9999",
		heartbeatInterval: time.Second,
		registry:          registry,
		closed:            make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	w.events = event.NewProducer(w.logger, w.queueSize)
	w.eventServer = &event.Server{Log: w.logger.Named("event_server"), Producer: w.events}
	w.exec = executor.New(w.logger, w.registry, w.events)
	w.risk = NewRiskTracker(w.logger, w.events)
	w.rpcServer = &rpc.Server{Log: w.logger.Named("rpc_server"), Handler: w.handle}
	return w, nil
}

// Events exposes the producer so domain code can emit log lines directly.
func (w *Worker) Events() *event.Producer {
	return w.events
}

// Risk exposes the risk tracker to the session layer.
func (w *Worker) Risk() *RiskTracker {
	return w.risk
}

// Run serves until Stop. It returns nil after a clean shutdown.
func (w *Worker) Run() error {
	listener, err := net.Listen("tcp", w.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/rpc", w.rpcWS)
	router.GET("/events", w.eventsWS)
	router.GET("/heartbeat", w.heartbeat)

	server := http.Server{Handler: router}
	w.httpServer = &server

	go w.heartbeatLoop()
	if w.heartbeatTimeout > 0 {
		go w.masterTimeoutLoop()
	}

	w.logger.Infof("worker listening on %s", listener.Addr())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop emits a worker_exiting event, gives the sender a moment to flush,
// and closes the listener.
func (w *Worker) Stop(reason string) error {
	var err error
	w.closeOnce.Do(func() {
		w.logger.Infof("worker stopping: %s", reason)
		w.events.Emit(event.WorkerExiting(reason))
		close(w.closed)
		time.Sleep(200 * time.Millisecond)
		if w.httpServer != nil {
			err = w.httpServer.Close()
		}
	})
	return err
}

func (w *Worker) rpcWS(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.rpcServer.ServeHTTP(rw, r)
}

func (w *Worker) eventsWS(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.eventServer.ServeHTTP(rw, r)
}

func (w *Worker) heartbeat(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.heartbeatMut.Lock()
	lastHeartbeat := w.lastHeartbeat
	w.lastHeartbeat = time.Now()
	w.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		w.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	rw.Header().Add("Content-Type", "application/json")
	rw.Write(b)
}

// heartbeatLoop pushes a status event at a fixed interval so the master has
// a recent snapshot even when it issues no requests.
func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.closed:
			return
		case <-ticker.C:
		}
		w.events.Emit(event.Status(w.statusSnapshot()))
	}
}

func (w *Worker) masterTimeoutLoop() {
	w.heartbeatMut.Lock()
	w.lastHeartbeat = time.Now()
	w.heartbeatMut.Unlock()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.closed:
			return
		case <-ticker.C:
		}

		w.heartbeatMut.Lock()
		lastHeartbeat := w.lastHeartbeat
		w.heartbeatMut.Unlock()

		if lastHeartbeat.Add(w.heartbeatTimeout).Before(time.Now()) {
			if w.heartbeatFailureHandler != nil {
				w.heartbeatFailureHandler()
			}
		}
	}
}

func (w *Worker) statusSnapshot() event.StatusSnapshot {
	busy, currentCase, lastError, lastFinishedAt := w.exec.Status()
	risk := w.risk.Snapshot()
	return event.StatusSnapshot{
		State:          "RUNNING",
		Busy:           busy,
		CurrentCase:    currentCase,
		LastError:      lastError,
		LastFinishedAt: lastFinishedAt,
		Risk:           &risk,
	}
}

// handle is the RPC dispatch table. Every branch returns quickly; RUN_CASE
// only makes the accept/busy decision, never waits for the case.
func (w *Worker) handle(ctx context.Context, req *rpc.Request) rpc.Response {
	switch req.Type {
	case rpc.TypePing:
		return rpc.OK(req.RequestID, rpc.PingData{Alive: true})

	case rpc.TypeGetStatus:
		return rpc.OK(req.RequestID, w.statusSnapshot())

	case rpc.TypeRunCase:
		var payload rpc.RunCasePayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return rpc.Fail(req.RequestID, "invalid RUN_CASE payload: "+err.Error())
		}
		accepted, reason, err := w.exec.Run(context.Background(), payload.CaseID)
		if err != nil {
			return rpc.Fail(req.RequestID, err.Error())
		}
		return rpc.OK(req.RequestID, rpc.RunCaseData{Accepted: accepted, Reason: reason})

	case rpc.TypeResetRisk:
		w.risk.Reset()
		return rpc.OK(req.RequestID, nil)

	case rpc.TypeSetThresholds:
		var payload rpc.ThresholdsPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return rpc.Fail(req.RequestID, "invalid SET_THRESHOLDS payload: "+err.Error())
		}
		snap := w.risk.SetThresholds(payload.MaxOrderCount, payload.MaxCancelCount, payload.MaxRepeatCount)
		return rpc.OK(req.RequestID, snap)

	case rpc.TypeGetThresholds:
		snap := w.risk.Snapshot()
		return rpc.OK(req.RequestID, map[string]int{
			"max_order_count":  snap.MaxOrderCount,
			"max_cancel_count": snap.MaxCancelCount,
			"max_repeat_count": snap.MaxRepeatCount,
		})

	case rpc.TypeGetRisk:
		return rpc.OK(req.RequestID, w.risk.Snapshot())

	case rpc.TypeDisconnect:
		return w.forwardToSession(req.RequestID, "disconnect", func(s Session) error { return s.Disconnect() })

	case rpc.TypeReconnect:
		return w.forwardToSession(req.RequestID, "reconnect", func(s Session) error { return s.Reconnect() })

	case rpc.TypePause:
		return w.forwardToSession(req.RequestID, "pause", func(s Session) error { return s.Pause() })

	case rpc.TypeShutdown:
		// Ack first; the response must go out before the listener dies.
		go func() {
			time.Sleep(100 * time.Millisecond)
			w.Stop("shutdown requested")
		}()
		return rpc.OK(req.RequestID, nil)

	default:
		return rpc.Fail(req.RequestID, fmt.Sprintf("unknown request type %q", req.Type))
	}
}

func (w *Worker) forwardToSession(requestID, op string, f func(Session) error) rpc.Response {
	if w.session == nil {
		return rpc.Fail(requestID, "no session configured")
	}
	if err := f(w.session); err != nil {
		return rpc.Fail(requestID, op+": "+err.Error())
	}
	return rpc.OK(requestID, nil)
}
