package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmux/agentmux/pkg/bridge"
	"github.com/agentmux/agentmux/pkg/cmd"
	"github.com/agentmux/agentmux/pkg/engine"
	"github.com/agentmux/agentmux/pkg/log"
	"github.com/agentmux/agentmux/pkg/otelhelper"
	"github.com/agentmux/agentmux/pkg/workflow"
)

func main() {
	command := &cli.Command{
		Name:                  "agentmux-daemon",
		EnableShellCompletion: true,
		Usage:                 "Run a workflow persistently, cycling on its recurring keyword",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "workflow",
				Aliases:  []string{"w"},
				Usage:    "Path to the workflow definition (YAML or JSON)",
				Required: true,
				Sources:  cli.EnvVars("WORKFLOW_FILE"),
			},
			&cli.StringFlag{
				Name:     "bridge-cmd",
				Usage:    "Bridge command line, e.g. 'agentmux-bridge --socket /tmp/mux'",
				Required: true,
				Sources:  cli.EnvVars("BRIDGE_CMD"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Persistence URL for run-context save points (file, postgres, redis)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OTLP trace export",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: daemonAction,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func daemonAction(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("agentmux-daemon")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	def, err := workflow.NewLoader().LoadFile(command.String("workflow"))
	if err != nil {
		return err
	}

	bridgeClient, err := bridge.NewClient(strings.Fields(command.String("bridge-cmd")), logger)
	if err != nil {
		return err
	}

	eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	persist := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	defer func() {
		if err := persist.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	cfg := engine.Config{
		Definition:  def,
		Bridge:      bridgeClient,
		Registry:    cmd.NewRegistry(logger, bridgeClient),
		Publisher:   eventBus,
		Persistence: persist,
		Logger:      logger,
	}

	if command.Bool("tracing") {
		var tracer trace.Tracer

		tracer, err = otelhelper.NewTracer(ctx, "agentmux-daemon")
		if err != nil {
			logger.WarnContext(ctx, "Tracing setup failed, continuing without", "error", err)
		} else {
			cfg.Tracer = tracer
		}
	}

	eng, err := engine.NewPersistent(cfg)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Starting daemon",
		"workflow", def.Name,
		"run_id", eng.RunID(),
		"recurring_keyword", def.Settings.RecurringKeyword,
	)

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.InfoContext(ctx, "Daemon stopped")

	return nil
}
