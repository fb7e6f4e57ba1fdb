package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gatelab/gwharness/event"
	"github.com/gatelab/gwharness/executor"
	"github.com/gatelab/gwharness/rpc"
	"github.com/gatelab/gwharness/supervisor"
	"github.com/gatelab/gwharness/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "gwharness",
		Usage: "trading-gateway test harness: master supervises a worker process running gateway cases",
		Commands: []*cli.Command{
			workerCommand(),
			masterCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "run the worker agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the worker to listen on.",
				Value: "127.0.0.1:9999",
			},
			&cli.StringFlag{
				Name:  "heartbeat-interval",
				Usage: "Interval between pushed status events.",
				Value: "1s",
			},
			&cli.StringFlag{
				Name:  "master-timeout",
				Usage: "Exit when the master has not polled /heartbeat for this long. 0 disables.",
				Value: "0",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(ctx *cli.Context) error {
			heartbeatInterval, err := time.ParseDuration(ctx.String("heartbeat-interval"))
			if err != nil {
				return fmt.Errorf("parsing heartbeat interval: %w", err)
			}
			masterTimeout, err := time.ParseDuration(ctx.String("master-timeout"))
			if err != nil {
				return fmt.Errorf("parsing master timeout: %w", err)
			}

			level := zapcore.InfoLevel
			if ctx.Bool("debug") {
				level = zapcore.DebugLevel
			}

			registry := executor.Registry{}
			opts := []worker.Option{
				worker.WithListenAddr(ctx.String("listen-addr")),
				worker.WithHeartbeatInterval(heartbeatInterval),
				worker.WithLogLevel(level),
				worker.WithSession(&simSession{}),
			}
			if masterTimeout > 0 {
				opts = append(opts, worker.WithMasterTimeout(masterTimeout, worker.MasterTimeoutExit))
			}

			w, err := worker.New(registry, opts...)
			if err != nil {
				return fmt.Errorf("building worker: %w", err)
			}
			registerSimCases(registry, w)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				w.Stop("signal")
			}()

			return w.Run()
		},
	}
}

func masterCommand() *cli.Command {
	return &cli.Command{
		Name:  "master",
		Usage: "supervise a worker process and stream its events",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file describing the worker process.",
			},
			&cli.StringFlag{
				Name:  "worker-cmd",
				Usage: "Worker command to spawn (overrides the config file).",
			},
			&cli.StringFlag{
				Name:  "worker-addr",
				Usage: "Address the worker binds (overrides the config file).",
			},
			&cli.StringFlag{
				Name:  "run-case",
				Usage: "Run this case once the worker is ready, then keep streaming.",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg := &supervisor.Config{}
			if path := ctx.String("config"); path != "" {
				var err error
				cfg, err = supervisor.LoadConfig(path)
				if err != nil {
					return err
				}
			}
			if cmd := ctx.String("worker-cmd"); cmd != "" {
				cfg.Command = cmd
				cfg.Args = []string{"worker"}
			}
			if addr := ctx.String("worker-addr"); addr != "" {
				cfg.WorkerAddr = addr
			}
			if cfg.Command == "" {
				return errors.New("no worker command configured")
			}

			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			eventLog := logger.Named("worker_events").Sugar()

			sup, err := supervisor.New(*cfg,
				supervisor.WithLogger(logger),
				supervisor.WithEventHandler(func(e event.Event) { printEvent(eventLog, e) }),
			)
			if err != nil {
				return fmt.Errorf("building supervisor: %w", err)
			}

			if err := sup.Start(); err != nil {
				return err
			}
			runCtx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go sup.Subscribe(runCtx)

			if err := sup.AwaitReady(runCtx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer stopCancel()
				sup.Stop(stopCtx)
				return err
			}
			logger.Sugar().Infof("worker ready: %+v", sup.Status().State)

			if caseID := ctx.String("run-case"); caseID != "" {
				resp, err := sup.Client().Call(runCtx, rpc.TypeRunCase, rpc.RunCasePayload{CaseID: caseID})
				if err != nil {
					return fmt.Errorf("running case %s: %w", caseID, err)
				}
				var data rpc.RunCaseData
				if resp.OK {
					json.Unmarshal(resp.Data, &data)
				}
				logger.Sugar().Infow("case submitted", "CaseID", caseID, "OK", resp.OK, "Accepted", data.Accepted, "Reason", data.Reason, "Error", resp.Error)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			return sup.Stop(stopCtx)
		},
	}
}

func printEvent(log *zap.SugaredLogger, e event.Event) {
	switch e.Type {
	case event.TypeLog:
		log.Infof("[%s] %s", e.Severity, e.Message)
	case event.TypeCaseStarted:
		log.Infof("case %s started", e.CaseID)
	case event.TypeCaseFinished:
		log.Infof("case %s finished ok=%v err=%q elapsed=%dms", e.CaseID, e.CaseOK, e.CaseError, e.ElapsedMS)
	case event.TypeWorkerExiting:
		log.Warnf("worker exiting: %s", e.Reason)
	case event.TypeStatus:
		// status events arrive every second; only worth printing at debug
		log.Debugf("status: %+v", e.Status)
	}
}

// simSession is a stand-in gateway session for running the harness without
// a real trading gateway attached.
type simSession struct{}

func (s *simSession) Disconnect() error { return nil }
func (s *simSession) Reconnect() error  { return nil }
func (s *simSession) Pause() error      { return nil }

// registerSimCases fills the registry with simulated cases that exercise
// the event and risk plumbing.
func registerSimCases(registry executor.Registry, w *worker.Worker) {
	registry.Register("connectivity", func(ctx context.Context) error {
		w.Events().Emit(event.Log(event.SeverityInfo, "session reachable"))
		return nil
	})
	registry.Register("order-flood", func(ctx context.Context) error {
		for i := 0; i < 8; i++ {
			if !w.Risk().CheckOrder("SIM001") {
				return errors.New("order rejected by risk tracker")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
		return nil
	})
	registry.Register("cancel-flood", func(ctx context.Context) error {
		for i := 0; i < 8; i++ {
			w.Risk().OnCancel()
		}
		return nil
	})
	registry.Register("failing", func(ctx context.Context) error {
		return errors.New("simulated case failure")
	})
}
