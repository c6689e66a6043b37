// ============================================================================
// Beaver-Queue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running the queue and administering it
//
// Command Structure:
//   beaver-queue                   # Root command
//   ├── run                        # Start queue system (HTTP + gRPC + workers)
//   ├── submit                     # Submit one task (remote)
//   ├── enqueue                    # Submit tasks from a JSON file (remote)
//   ├── get <id>                   # Show one task (remote)
//   ├── requeue <id>               # Manually requeue a FAILED task (remote)
//   ├── events                     # Recent processing events (remote)
//   └── status                     # Worker pool status (remote)
//
// Persistent flags:
//   --config, -c   config file (default: configs/default.yaml)
//   --addr         admin gRPC address for remote commands
//   --timeout      per-call timeout for remote commands
//
// run Command:
//   1. Load config (defaults -> YAML -> BEAVER_* env)
//   2. Install slog handler from log.level / log.format
//   3. controller.Build + Start
//   4. Serve HTTP (chi) and gRPC (QueueAdmin) under one errgroup
//   5. SIGINT / SIGTERM: stop servers, then controller.Stop within the
//      worker shutdown grace
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-queue/internal/config"
	"github.com/ChuLiYu/beaver-queue/internal/controller"
	"github.com/ChuLiYu/beaver-queue/internal/httpapi"
	"github.com/ChuLiYu/beaver-queue/internal/server"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

type rootOptions struct {
	configFile string
	addr       string
	timeout    time.Duration
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "beaver-queue",
		Short: "Beaver-Queue: a durable, retryable background job queue",
		Long: `Beaver-Queue runs typed background tasks with:
- at-most-one claim per task through a conditional store update
- a token-fenced Redis lock around each execution
- exponential backoff retries
- Prometheus metrics and a gRPC admin API`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:50051", "admin gRPC address for remote commands")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout for remote commands")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand(opts))
	rootCmd.AddCommand(buildEnqueueCommand(opts))
	rootCmd.AddCommand(buildGetCommand(opts))
	rootCmd.AddCommand(buildRequeueCommand(opts))
	rootCmd.AddCommand(buildEventsCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the queue: workers, HTTP API and gRPC admin service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, logger)
		},
	}
}

func runSystem(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctrl, err := controller.Build(ctx, cfg, reg, logger)
	if err != nil {
		return fmt.Errorf("failed to build controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Stop(context.Background())
		return fmt.Errorf("failed to start controller: %w", err)
	}

	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		_ = ctrl.Stop(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		_ = httpLis.Close()
		_ = ctrl.Stop(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
	}

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = reg
	}
	httpSrv := &http.Server{
		Handler:           httpapi.NewRouter(ctrl, gatherer, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcSrv := server.NewGRPCServer(ctrl, logger)

	logger.Info("System started",
		"http", httpLis.Addr().String(),
		"grpc", grpcLis.Addr().String(),
		"workers", cfg.Worker.Count,
		"store", cfg.Store.Driver,
		"lock", cfg.Lock.Driver,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal, stopping gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace)
		defer cancel()

		err := httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		return errors.Join(err, ctrl.Stop(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("System stopped. Goodbye!")
	return nil
}

// newLogger builds the process logger from log.level and log.format.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// ============================================================================
// remote commands
// ============================================================================

// withClient dials --addr and runs fn with a --timeout context.
func withClient(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, c *server.Client) error) error {
	client, conn, err := server.Dial(opts.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	return fn(ctx, client)
}

func buildSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		taskType   string
		payload    string
		maxRetries int
		owner      string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := types.NewTask{
				Payload: payload,
				Type:    types.TaskType(strings.ToUpper(taskType)),
				Owner:   owner,
			}
			if cmd.Flags().Changed("max-retries") {
				in.MaxRetries = &maxRetries
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				id, err := c.SubmitTask(ctx, in)
				if err != nil {
					return fmt.Errorf("submit failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&taskType, "type", string(types.TypeDefault), "task type (EMAIL, SMS, REPORT, FAIL, ...)")
	cmd.Flags().StringVar(&payload, "payload", "", "task payload")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget (server default when unset)")
	cmd.Flags().StringVar(&owner, "owner", "", "submitting principal")
	return cmd
}

func buildEnqueueCommand(opts *rootOptions) *cobra.Command {
	var taskFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit tasks from a JSON file",
		Long: `Read a JSON array of tasks and submit each one:

  [{"type": "EMAIL", "payload": "hello", "max_retries": 2, "owner": "ops"}]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, err := readTaskFile(taskFile)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				ok := 0
				for i, in := range tasks {
					id, err := c.SubmitTask(ctx, in)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "task #%d: %v\n", i, err)
						continue
					}
					fmt.Fprintln(cmd.OutOrStdout(), id)
					ok++
				}
				if ok < len(tasks) {
					return fmt.Errorf("submitted %d/%d tasks", ok, len(tasks))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file containing task definitions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readTaskFile(path string) ([]types.NewTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var tasks []types.NewTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	return tasks, nil
}

func buildGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				rec, err := c.GetTask(ctx, types.TaskID(args[0]))
				if err != nil {
					return fmt.Errorf("get failed: %w", err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			})
		},
	}
}

func buildRequeueCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a FAILED task back to QUEUED with attempts reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := types.TaskID(args[0])
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				ok, err := c.RequeueTask(ctx, id)
				if err != nil {
					return fmt.Errorf("requeue failed: %w", err)
				}
				if !ok {
					return fmt.Errorf("task %s was not requeued: not in FAILED status", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s requeued\n", id)
				return nil
			})
		},
	}
}

func buildEventsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Print recent processing events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				lines, err := c.RecentEvents(ctx)
				if err != nil {
					return fmt.Errorf("events failed: %w", err)
				}
				for _, l := range lines {
					fmt.Fprintln(cmd.OutOrStdout(), l)
				}
				return nil
			})
		},
	}
}

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker pool status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				st, err := c.WorkerStatus(ctx)
				if err != nil {
					return fmt.Errorf("status failed: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "=== Beaver-Queue Status ===")
				fmt.Fprintf(out, "Address:  %s\n", opts.addr)
				fmt.Fprintf(out, "Active:   %d\n", st.Active)
				fmt.Fprintf(out, "Idle:     %d\n", st.Idle)
				fmt.Fprintf(out, "Queued:   %d\n", st.Queued)
				return nil
			})
		},
	}
}
