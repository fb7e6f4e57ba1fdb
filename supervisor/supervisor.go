// Package supervisor owns the worker process lifecycle on the master side:
// spawning, readiness probing, crash detection, graceful stop and hard kill.
// It is the only component that mutates the worker state machine.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gatelab/gwharness/event"
	"github.com/gatelab/gwharness/rpc"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// State is the worker state machine. Only the Supervisor transitions it.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateCrashed  State = "CRASHED"
)

var (
	ErrAlreadyRunning   = errors.New("worker already running")
	ErrReadinessTimeout = errors.New("worker readiness timed out")
	ErrNotRunning       = errors.New("worker not running")
)

// Status is the O(1) snapshot exposed to the master's own consumers. It is
// assembled from supervisor-local state and never touches the worker.
type Status struct {
	State         State                 `json:"state"`
	PID           int                   `json:"pid,omitempty"`
	ExitCode      *int                  `json:"exit_code,omitempty"`
	LastStatus    *event.StatusSnapshot `json:"last_status,omitempty"`
	LastHeartbeat time.Time             `json:"last_heartbeat,omitempty"`
	EventsDropped uint64                `json:"events_dropped,omitempty"`
}

type Supervisor struct {
	log        *zap.SugaredLogger
	cfg        Config
	client     *rpc.Client
	httpClient *http.Client

	onTransition func(from, to State)
	onEvent      func(event.Event)

	mu            sync.Mutex
	state         State
	cmd           *exec.Cmd
	pid           int
	exitCode      *int
	expectExit    bool
	procDone      chan struct{}
	lastStatus    *event.StatusSnapshot
	lastHeartbeat time.Time
	hbStop        chan struct{}
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

// WithTransitionCallback observes every state transition. The callback runs
// with the supervisor lock held and must not call back into the supervisor.
func WithTransitionCallback(f func(from, to State)) Option {
	return func(s *Supervisor) {
		s.onTransition = f
	}
}

// WithEventHandler forwards every worker event after the supervisor has
// consumed it.
func WithEventHandler(f func(event.Event)) Option {
	return func(s *Supervisor) {
		s.onEvent = f
	}
}

// WithRPCClient overrides the control client, for tests.
func WithRPCClient(c *rpc.Client) Option {
	return func(s *Supervisor) {
		s.client = c
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func New(cfg Config, opts ...Option) (*Supervisor, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Supervisor{
		log:   logger.Named("supervisor").Sugar(),
		cfg:   cfg.withDefaults(),
		state: StateStopped,
	}
	for _, o := range opts {
		o(s)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 2
	retryClient.Logger = &logAdapter{SugaredLogger: s.log}
	s.httpClient = retryClient.StandardClient()

	if s.client == nil {
		s.client = rpc.NewClient(s.log, s.cfg.WorkerAddr,
			rpc.WithCallTimeout(s.cfg.RPCTimeout.Std()),
			rpc.WithHTTPClient(s.httpClient),
		)
	}
	return s, nil
}

// Client exposes the control channel for callers issuing their own
// operations (RUN_CASE, admin ops).
func (s *Supervisor) Client() *rpc.Client {
	return s.client
}

// State returns the current worker state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a copy of the last known worker status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:         s.state,
		PID:           s.pid,
		LastHeartbeat: s.lastHeartbeat,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		st.ExitCode = &code
	}
	if s.lastStatus != nil {
		snap := *s.lastStatus
		st.LastStatus = &snap
	}
	return st
}

// Start spawns the worker process and returns without waiting for
// readiness. It fails with ErrAlreadyRunning unless the worker is STOPPED
// or CRASHED.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped && s.state != StateCrashed {
		return fmt.Errorf("%w (state %s)", ErrAlreadyRunning, s.state)
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkingDir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning worker: %w", err)
	}

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.exitCode = nil
	s.expectExit = false
	procDone := make(chan struct{})
	s.procDone = procDone
	s.transitionLocked(StateStarting)
	s.log.Infof("spawned worker pid %d", s.pid)

	go s.watch(cmd, procDone)
	return nil
}

// watch waits for the process to exit and resolves the terminal state:
// STOPPED when the exit was requested, CRASHED otherwise.
func (s *Supervisor) watch(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			s.log.Debugf("unexpected wait error: %s", err)
		}
	}

	s.mu.Lock()
	if s.cmd == cmd {
		s.cmd = nil
		s.exitCode = &code
		s.stopHeartbeatLocked()
		if s.expectExit {
			s.transitionLocked(StateStopped)
			s.log.Infof("worker pid %d exited with code %d", s.pid, code)
		} else {
			s.transitionLocked(StateCrashed)
			s.log.Errorf("worker pid %d exited unexpectedly with code %d (last heartbeat %s)",
				s.pid, code, s.lastHeartbeat.Format(time.RFC3339))
		}
	}
	s.mu.Unlock()

	// done closes only after the terminal state is settled, so Kill/Stop
	// callers observe STOPPED (or CRASHED) once they return.
	close(done)
}

// AwaitReady polls PING until the worker answers or ctx expires. It is the
// STARTING->RUNNING transition. On timeout the state is left STARTING (the
// worker may yet come up) unless the readiness policy escalates to Kill.
func (s *Supervisor) AwaitReady(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		s.mu.Unlock()
		return nil
	case StateStarting:
		s.mu.Unlock()
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotRunning, state)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Readiness.Deadline.Std())
		defer cancel()
	}

	ticker := time.NewTicker(s.cfg.Readiness.ProbeInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if s.cfg.Readiness.KillOnTimeout {
				s.log.Warn("readiness timed out, killing worker")
				if err := s.Kill(); err != nil {
					s.log.Debugf("kill after readiness timeout: %s", err)
				}
			}
			return ErrReadinessTimeout
		case <-ticker.C:
			err := s.client.Ping(ctx)
			if err == nil {
				s.markRunning()
				return nil
			}
			s.log.Debugf("readiness probe failed: %s", err)
		}
	}
}

func (s *Supervisor) markRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		return
	}
	s.transitionLocked(StateRunning)
	hbStop := make(chan struct{})
	s.hbStop = hbStop
	go s.heartbeatLoop(hbStop)
}

// Stop requests a graceful shutdown over RPC and escalates to a kill after
// the grace period.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd == nil {
		if s.state != StateCrashed {
			s.transitionLocked(StateStopped)
		}
		s.mu.Unlock()
		return nil
	}
	cmd := s.cmd
	procDone := s.procDone
	wasRunning := s.state == StateRunning
	s.expectExit = true
	s.stopHeartbeatLocked()
	s.transitionLocked(StateStopping)
	s.mu.Unlock()

	if wasRunning {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout.Std())
		_, err := s.client.Call(shutdownCtx, rpc.TypeShutdown, nil)
		cancel()
		if err != nil {
			s.log.Debugf("graceful shutdown request failed: %s", err)
		}
	}

	select {
	case <-procDone:
		return nil
	case <-time.After(s.cfg.StopGracePeriod.Std()):
		s.log.Warn("worker did not exit within grace period, killing")
	case <-ctx.Done():
		s.log.Debugf("stop context done, killing: %s", ctx.Err())
	}

	if err := cmd.Process.Kill(); err != nil {
		s.log.Debugf("kill error: %s", err)
	}
	<-procDone
	return nil
}

// Kill forcibly terminates the worker regardless of state and waits for the
// OS to confirm. Idempotent: killing a STOPPED or CRASHED worker just
// settles the state to STOPPED.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	procDone := s.procDone
	if cmd == nil {
		s.transitionLocked(StateStopped)
		s.mu.Unlock()
		return nil
	}
	s.expectExit = true
	s.stopHeartbeatLocked()
	s.mu.Unlock()

	if err := cmd.Process.Kill(); err != nil {
		s.log.Debugf("kill error: %s", err)
	}
	<-procDone
	return nil
}

// Restart is a hard kill followed by a fresh start: the new process image
// is what clears any degraded state inside the worker.
func (s *Supervisor) Restart() error {
	if err := s.Kill(); err != nil {
		return fmt.Errorf("killing worker: %w", err)
	}
	return s.Start()
}

// HandleEvent consumes one worker event, retaining status snapshots for the
// status surface and crash reports.
func (s *Supervisor) HandleEvent(e event.Event) {
	if e.Type == event.TypeStatus && e.Status != nil {
		s.mu.Lock()
		snap := *e.Status
		s.lastStatus = &snap
		s.lastHeartbeat = e.Time
		s.mu.Unlock()
	}
	if s.onEvent != nil {
		s.onEvent(e)
	}
}

// Subscribe runs the event subscription until ctx is done. Run it on its
// own goroutine next to the supervisor.
func (s *Supervisor) Subscribe(ctx context.Context) {
	sub := event.NewSubscriber(s.log, s.cfg.WorkerAddr, s.HandleEvent,
		event.WithReconnectInterval(s.cfg.ResubscribeInterval.Std()),
		event.WithSubscriberHTTPClient(s.httpClient),
	)
	sub.Run(ctx)
}

// SendHeartbeat polls the worker's /heartbeat route so the worker can
// detect a dead master.
func (s *Supervisor) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	u := fmt.Sprintf("http://%s/heartbeat", s.cfg.WorkerAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

func (s *Supervisor) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if err := s.SendHeartbeat(context.Background()); err != nil {
			s.log.Debugf("heartbeat error: %s", err)
		}
	}
}

func (s *Supervisor) stopHeartbeatLocked() {
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
}

func (s *Supervisor) transitionLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.log.Debugf("worker state %s -> %s", from, to)
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}
