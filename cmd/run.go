package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/asterism-org/asterism/internal/config"
	"github.com/asterism-org/asterism/internal/constellation"
	"github.com/asterism-org/asterism/internal/constellation/builder"
	"github.com/asterism-org/asterism/internal/constellation/editor"
	"github.com/asterism-org/asterism/internal/coordinator"
	"github.com/asterism-org/asterism/internal/eventbus"
	"github.com/asterism-org/asterism/internal/logger"
	"github.com/asterism-org/asterism/internal/logger/tag"
	"github.com/asterism-org/asterism/internal/metrics"
	"github.com/asterism-org/asterism/internal/session"
)

// Errors for the run command
var (
	// ErrNoDevicesConfigured is returned when the configuration lists no devices
	ErrNoDevicesConfigured = errors.New("no devices configured; add devices to the config file or a devices file")

	// ErrNoDevicesConnected is returned when every configured device failed to connect
	ErrNoDevicesConnected = errors.New("no device could be connected")
)

// CmdRun creates and returns a cobra command for running a constellation
func CmdRun() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "run [flags]",
			Short: "Execute a constellation across the configured devices",
			Long: `Run a constellation from a YAML definition file.

The command registers and connects every device from the configuration,
loads the constellation, and drives it until every task is terminal. A
summary table is printed unless --quiet is set, and the exit status is
non-zero unless the run completed.

Example:
  asterism run --config asterism.yaml --file deploy.yaml
`,
			Args: cobra.NoArgs,
		}, runFlags, runRun,
	)
}

// Command line flags for the run command
var runFlags = []commandLineFlag{fileFlag, metricsFlag}

// runRun handles the execution of the run command
func runRun(ctx *Context, _ []string) error {
	path, err := ctx.StringParam("file")
	if err != nil {
		return err
	}

	// Load the document before touching any device so a bad file fails fast.
	plan, err := builder.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load constellation from %s: %w", path, err)
	}

	cfg := ctx.Config
	if len(cfg.Devices) == 0 {
		return ErrNoDevicesConfigured
	}

	bus := eventbus.New(eventbus.WithLogger(ctx.Logger()))
	defer bus.Shutdown()

	collector := metrics.NewCollector(config.Version, bus)
	defer collector.Close()
	stopMetrics, err := serveMetrics(ctx, collector)
	if err != nil {
		return err
	}
	defer stopMetrics()

	coord := newCoordinator(cfg, bus, ctx.Logger())
	defer coord.Close()

	if err := connectDevices(ctx, coord); err != nil {
		return err
	}

	// Cancelling the run context cancels the remaining tasks; the partial
	// result still comes back for the summary.
	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := session.New(documentPlanner(plan), coord,
		session.WithBus(bus),
		session.WithLogger(ctx.Logger()),
		session.WithStrategy(cfg.Scheduling.Strategy),
		session.WithPreferences(cfg.Scheduling.Preferences),
		session.WithMaxHistory(cfg.MaxHistorySize),
	)

	result, runErr := runner.Run(runCtx, session.Request{
		Name:     plan.Name(),
		Metadata: plan.Metadata(),
	})
	if result == nil {
		return runErr
	}

	if !ctx.Quiet {
		fmt.Println(renderSummary(result))
	}
	if runErr != nil {
		return runErr
	}
	if !result.Completed() {
		return fmt.Errorf("session %s finished %s", result.RequestID, result.State)
	}
	return nil
}

// documentPlanner plants the loaded document into the session graph as one
// batch, so the whole file shows up as a single journal entry.
func documentPlanner(plan *constellation.Constellation) session.Planner {
	return session.PlannerFunc(func(_ context.Context, ed *editor.Editor, _ session.Request) error {
		var cmds []editor.Command
		for _, star := range plan.Stars() {
			cmds = append(cmds, &editor.AddStarCommand{Star: star})
		}
		for _, line := range plan.Lines() {
			cmds = append(cmds, &editor.AddLineCommand{Line: line})
		}
		return ed.Batch(cmds...)
	})
}

// newCoordinator builds the connection fabric from the loaded configuration.
func newCoordinator(cfg *config.Config, bus *eventbus.Bus, lg logger.Logger) *coordinator.Coordinator {
	return coordinator.New(
		coordinator.WithClientID(cfg.ClientID),
		coordinator.WithBus(bus),
		coordinator.WithLogger(lg),
		coordinator.WithHeartbeatInterval(cfg.Coordinator.HeartbeatInterval),
		coordinator.WithReconnectDelays(cfg.Coordinator.InitialReconnectDelay, cfg.Coordinator.MaxReconnectDelay),
		coordinator.WithDefaultMaxRetries(cfg.Coordinator.DefaultMaxRetries),
		coordinator.WithDefaultTaskTimeout(cfg.Coordinator.DefaultTaskTimeout),
	)
}

// connectDevices registers every configured device and runs the connect
// sequence. A device that fails to connect is logged and left to the
// reconnect cycle; the run only aborts when no device came up at all.
func connectDevices(ctx *Context, coord *coordinator.Coordinator) error {
	var connected int
	for _, dev := range ctx.Config.Devices {
		if err := coord.RegisterDevice(dev.Profile(), false); err != nil {
			return fmt.Errorf("failed to register device %s: %w", dev.DeviceID, err)
		}
		if err := coord.ConnectDevice(ctx, dev.DeviceID); err != nil {
			logger.Warn(ctx, "Device connect failed", tag.Device(dev.DeviceID), tag.Error(err))
			continue
		}
		connected++
	}
	if connected == 0 {
		return ErrNoDevicesConnected
	}
	logger.Info(ctx, "Devices connected", tag.Count(connected))
	return nil
}

// serveMetrics exposes the Prometheus registry while the session runs when
// the metrics flag is set. The returned stop function is a no-op when no
// address was given.
func serveMetrics(ctx *Context, collector *metrics.Collector) (func(), error) {
	addr, err := ctx.StringParam("metrics")
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return func() {}, nil
	}

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(metrics.NewRegistry(collector), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Info(ctx, "Serving metrics", tag.URL(addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(ctx, "Metrics server stopped", tag.Error(err))
		}
	}()
	return func() { _ = srv.Close() }, nil
}
