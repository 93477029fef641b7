// ============================================================================
// StreamSched CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting a media pipeline
//
// Command Structure:
//   streamsched                    # Root command
//   ├── run                        # Run the text/DTMF -> RTP pipeline
//   ├── status                     # Print the last statistics snapshot
//   │   └── --health ADDR          # Also query gRPC health at ADDR
//   ├── config                     # Print the effective configuration
//   ├── --config, -c               # Config file (optional)
//   └── --version
//
// Configuration:
//   Defaults, then the YAML file given with --config, then STREAMSCHED_*
//   environment variables (e.g. STREAMSCHED_RTP_REMOTE_ADDR=10.0.0.2:5004).
//
// run Command:
//   1. Load config and set up slog at the configured level
//   2. Dial the UDP transport and assemble the pipeline
//   3. Start the scheduler; the drive loop starts every node
//   4. Serve /metrics and grpc.health.v1 (if enabled)
//   5. Write a statistics snapshot every snapshot.interval (repeating timer)
//   6. Read stdin: each line is sent as real-time text; "/dtmf 123#" sends digits
//   7. On SIGINT/SIGTERM: stop timers, scheduler and nodes, write a final snapshot
//
//   Examples:
//     ./streamsched run
//     STREAMSCHED_LOG_LEVEL=debug ./streamsched run -c configs/streamsched.yaml
//
// ============================================================================

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/streamsched/internal/metrics"
	"github.com/ChuLiYu/streamsched/internal/nodes/rtpnode"
	"github.com/ChuLiYu/streamsched/internal/server"
	"github.com/ChuLiYu/streamsched/internal/snapshot"
	"github.com/ChuLiYu/streamsched/internal/timer"
	"github.com/ChuLiYu/streamsched/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "streamsched",
		Short: "StreamSched: a cooperative media pipeline scheduler",
		Long: `StreamSched drives a chain of media processing nodes on one worker thread:
- Text (T.140) and DTMF sources paced by the media clock
- RTP framing over UDP
- Prometheus metrics and gRPC health
- Periodic statistics snapshots`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults are used when empty)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the media pipeline",
		Long:  "Assemble the text/DTMF RTP pipeline, start the scheduler and feed it from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			transport, err := dialUDP(cfg.RTP.RemoteAddr)
			if err != nil {
				return err
			}
			defer transport.Close()

			return runPipeline(ctx, cfg, transport, cmd.InOrStdin(), log)
		},
	}
}

func setupLogger(cfg *Config, w io.Writer) *slog.Logger {
	level, _ := parseLevel(cfg.Log.Level)
	log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

// runPipeline runs until ctx is done or a server fails.
func runPipeline(ctx context.Context, cfg *Config, transport rtpnode.Transport, in io.Reader, log *slog.Logger) error {
	p, err := newPipeline(cfg, transport, log)
	if err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}

	var lis net.Listener
	if cfg.GRPC.Enabled {
		lis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, p.registry)
		g.Go(func() error {
			log.Info("metrics server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if lis != nil {
		health := server.NewServer(p.sched, time.Second, log)
		g.Go(func() error {
			if err := health.Serve(gctx, lis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	p.start()
	log.Info("pipeline started",
		"scheduler", p.sched.ID(),
		"nodes", p.sched.NumRegisteredNodes(),
		"remote", cfg.RTP.RemoteAddr)

	var snapshotTimer timer.Handle
	if cfg.Snapshot.Interval > 0 {
		snapshotTimer = p.timers.Start(cfg.Snapshot.Interval, true, func(timer.Handle, any) {
			if _, err := p.takeSnapshot(); err != nil {
				log.Error("periodic snapshot failed", "error", err)
			}
		}, nil)
	}

	// stdin 讀取不可取消，因此不納入 errgroup
	go feedInput(gctx, in, p, log)

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()

	log.Info("shutting down")
	p.timers.Stop(snapshotTimer)
	p.stop()
	p.timers.Wait()

	if cfg.Snapshot.Path != "" {
		if _, serr := p.takeSnapshot(); serr != nil {
			log.Error("final snapshot failed", "error", serr)
		}
	}

	log.Info("pipeline stopped")
	return err
}

// feedInput sends each line of in to the pipeline until EOF or ctx is done.
func feedInput(ctx context.Context, in io.Reader, p *pipeline, log *slog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := p.handleLine(scanner.Text()); err != nil {
			log.Warn("input rejected", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("input read failed", "error", err)
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var healthAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "Print the last statistics snapshot and, with --health, the live gRPC health status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, healthAddr)
		},
	}
	cmd.Flags().StringVar(&healthAddr, "health", "", "gRPC health address to query (e.g. localhost:50051)")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, cfg *Config, healthAddr string) error {
	data, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	if err != nil {
		if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return err
		}
		fmt.Fprintf(w, "No snapshot at %s (run 'streamsched run' first)\n", cfg.Snapshot.Path)
	} else {
		printSnapshot(w, data)
	}

	if healthAddr == "" {
		return nil
	}

	st, err := queryHealth(ctx, healthAddr)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Health (%s): %s\n", healthAddr, st)
	return nil
}

func printSnapshot(w io.Writer, data types.SnapshotData) {
	s := data.Scheduler

	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           StreamSched Pipeline Status                     ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "Snapshot:   %s (%s)\n", data.ID, data.TakenAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Scheduler:  %s\n", s.ID)
	fmt.Fprintf(w, "  ├─ Alive:       %t\n", s.Alive)
	fmt.Fprintf(w, "  ├─ Busy:        %t\n", s.Busy)
	fmt.Fprintf(w, "  ├─ Iterations:  %d\n", s.Iterations)
	fmt.Fprintf(w, "  ├─ Wakeups:     %d\n", s.Wakeups)
	fmt.Fprintf(w, "  └─ Active time: %s\n", time.Duration(s.ActiveTime)*time.Millisecond)
	fmt.Fprintf(w, "Timers:     %d active\n", data.ActiveTimers)
	fmt.Fprintf(w, "Nodes:      %d\n", len(s.Nodes))
	for i, n := range s.Nodes {
		branch := "├─"
		if i == len(s.Nodes)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-14s %-12s %-8s queued=%d recv=%d sent=%d dropped=%d\n",
			branch, n.Name, n.Kind, n.State, n.Queued, n.Received, n.Sent, n.Dropped)
	}
}

func queryHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults, the config file and environment overrides are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
