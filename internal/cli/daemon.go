package cli

import (
	"context"
	stderrors "errors"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Vigil/internal/control"
	"github.com/turtacn/Vigil/internal/device"
	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/internal/orchestrator"
	"github.com/turtacn/Vigil/internal/supervisor"
	"github.com/turtacn/Vigil/internal/transport"
	"github.com/turtacn/Vigil/internal/transport/sim"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/logger"
	"github.com/turtacn/Vigil/pkg/protocol"
)

var _ control.API = (*orchestrator.Engine)(nil)

func newBackend(name string) (transport.Backend, error) {
	switch name {
	case "", "sim":
		return sim.New(), nil
	}
	return nil, errors.Newf(errors.ErrCodeConfigInvalid, "Start", "unknown transport %q", name)
}

// runDaemon boots the engine and the control channel, then serves until
// SIGINT/SIGTERM, ctx cancellation or a fatal contract violation. SIGHUP
// re-reads the log settings and driver mode.
func runDaemon(ctx context.Context, cfgPath, socket string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := protocol.Load(cfgPath)
	if err != nil {
		return err
	}
	logger.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if cfg.Observability.MetricsPort != "" {
		monitor.InitMetrics(cfg.Observability.MetricsPort)
	} else {
		monitor.Register()
	}
	logger.Log.Info("Booting Vigil", "config", cfgPath, "devices", len(cfg.Devices), "transport", cfg.Platform.Transport)

	backend, err := newBackend(cfg.Platform.Transport)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	opts := []orchestrator.Option{
		orchestrator.WithFatalHandler(func(d *device.Device, err error) {
			cancel(err)
		}),
	}
	if cfg.Dump.DumpEnabled() {
		opts = append(opts, orchestrator.WithCollector(&supervisor.HookCollector{
			Dir:     cfg.Dump.Dir,
			Command: cfg.Dump.Collector,
			Timeout: cfg.Timeouts.RddmTimeout(),
		}))
	}
	engine := orchestrator.NewEngine(cfg, backend, opts...)
	if err := engine.Start(ctx); err != nil {
		engine.Close()
		return err
	}
	defer engine.Close()

	if socket == "" {
		socket = cfg.Control.SocketPath
	}
	srv := control.NewServer(socket, engine)
	if err := srv.Listen(); err != nil {
		return err
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGHUP, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case unix.SIGHUP:
				logger.Log.Info("Signal: SIGHUP received, reloading settings")
				reload(engine, cfgPath)
			default:
				logger.Log.Info("Signal: stop received, shutting down", "signal", sig)
				cancel(nil)
			}
		case <-ctx.Done():
			srv.Close()
			<-served
			if cause := context.Cause(ctx); cause != nil && !stderrors.Is(cause, context.Canceled) {
				logger.Log.Error("Vigil stopped", "err", cause)
				return cause
			}
			logger.Log.Info("Vigil stopped")
			return nil
		}
	}
}

// reload applies the settings that can change without a restart. The log
// format and output stay as booted.
func reload(engine *orchestrator.Engine, cfgPath string) {
	cfg, err := protocol.Load(cfgPath)
	if err != nil {
		logger.Log.Error("Reload: config rejected, keeping current settings", "err", err)
		return
	}
	logger.SetLevel(cfg.Observability.LogLevel)
	logger.Log.Info("Reload: log level applied", "level", logger.Level())
	if err := engine.SetDriverMode(consts.DriverMode(cfg.Platform.DriverMode)); err != nil {
		logger.Log.Error("Reload: driver mode rejected", "err", err)
	}
}

// Personal.AI order the ending
