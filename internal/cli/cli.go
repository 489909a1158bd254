// ============================================================================
// idmgr CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree around one identity registry per process
//
// Command Structure:
//   idmgr                          # Root command
//   ├── serve                      # Serve read-only lookups over gRPC (+ /metrics)
//   ├── alloc                      # Allocate ids from a fresh registry and print them
//   ├── encode                     # Pack machine/thread/local into an id
//   ├── decode                     # Take ids apart (locally or via --remote)
//   ├── topology                   # Print the machine table and thread bands
//   ├── status                     # Print the last registry snapshot
//   ├── --config, -c               # Config file (default: configs/idmgr.yaml)
//   └── --version
//
// Configuration:
//   YAML file with resource / server / metrics / snapshot / log sections.
//
// Signal Handling:
//   serve stops on SIGINT / SIGTERM: gRPC GracefulStop, metrics Shutdown,
//   then a final snapshot is written if snapshot.path is set.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/idmgr/internal/idcodec"
	"github.com/ChuLiYu/idmgr/internal/idmgr"
	"github.com/ChuLiYu/idmgr/internal/metrics"
	"github.com/ChuLiYu/idmgr/internal/server"
	"github.com/ChuLiYu/idmgr/internal/snapshot"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "idmgr",
		Short: "idmgr: identity allocation authority for distributed jobs",
		Long: `idmgr packs machine id, thread id and a per-thread sequence number
into one 64-bit id (1 sign | 16 machine | 8 thread | 39 local), so any
process can tell where an id came from without a lookup service.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/idmgr.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildAllocCommand())
	rootCmd.AddCommand(buildEncodeCommand())
	rootCmd.AddCommand(buildDecodeCommand())
	rootCmd.AddCommand(buildTopologyCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// newRegistry loads the config and builds the one registry of this process.
func newRegistry(opts ...idmgr.Option) (*Config, *idmgr.Registry, *logrus.Entry, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	opts = append([]idmgr.Option{idmgr.WithLogger(log)}, opts...)
	reg, err := idmgr.New(cfg.Resource, opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build registry: %w", err)
	}
	return cfg, reg, log, nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only identity lookup service",
		Long:  "Serve DecodeActorID / machine lookups over gRPC and Prometheus metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	return cmd
}

func serve(ctx context.Context, cfg *Config, log *logrus.Entry) error {
	opts := []idmgr.Option{idmgr.WithLogger(log)}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		opts = append(opts, idmgr.WithObserver(collector))
	}

	reg, err := idmgr.New(cfg.Resource, opts...)
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}
	if collector != nil {
		collector.SetTopology(reg.MachineCount(), reg.DeviceNumPerMachine())
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.LoggingInterceptor(log)))
	server.RegisterIdentityServiceServer(grpcServer, server.NewServer(reg))

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", lis.Addr().String()).Info("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})

	if metricsSrv != nil {
		g.Go(func() error {
			log.WithField("addr", metricsSrv.Addr).Info("metrics server listening")
			return metrics.ListenAndServe(metricsSrv)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		grpcServer.GracefulStop()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("metrics shutdown: %w", err)
			}
		}
		return nil
	})

	err = g.Wait()

	if cfg.Snapshot.Path != "" {
		if werr := snapshot.NewManager(cfg.Snapshot.Path).Write(reg.Snapshot()); werr != nil {
			log.WithError(werr).Error("failed to write final snapshot")
			err = errors.Join(err, werr)
		} else {
			log.WithField("path", cfg.Snapshot.Path).Info("snapshot written")
		}
	}

	return err
}

// ============================================================================
// alloc
// ============================================================================

func buildAllocCommand() *cobra.Command {
	var machine string
	var thrd int64
	var role string
	var count int

	cmd := &cobra.Command{
		Use:   "alloc",
		Short: "Allocate ids from a fresh registry",
		Long: `Allocate task, persistence, boxing or regst_desc ids from a registry built
from the config file. Each invocation is its own process, so sequences start at zero.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlloc(cmd.OutOrStdout(), role, machine, thrd, count)
		},
	}

	cmd.Flags().StringVar(&role, "role", "task", "What to allocate: task, persistence, boxing, regst_desc")
	cmd.Flags().StringVarP(&machine, "machine", "m", "", "Machine name (task, persistence, boxing)")
	cmd.Flags().Int64VarP(&thrd, "thrd", "t", 0, "Thread id (task)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "How many ids to allocate")

	return cmd
}

func runAlloc(out io.Writer, role, machine string, thrd int64, count int) error {
	if count <= 0 {
		return fmt.Errorf("count must be positive, got %d", count)
	}

	cfg, reg, log, err := newRegistry()
	if err != nil {
		return err
	}

	var machineID int64
	if role != "regst_desc" {
		if machine == "" {
			return fmt.Errorf("--machine is required for role %s", role)
		}
		if machineID, err = reg.MachineID4MachineName(machine); err != nil {
			return err
		}
	}

	for i := 0; i < count; i++ {
		switch role {
		case "task":
			id, err := reg.NewTaskID(machineID, thrd)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d\t%s\n", id.Int64(), id)
		case "persistence":
			id, err := reg.AllocatePersistenceThrdID(machineID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d\n", id)
		case "boxing":
			id, err := reg.AllocateBoxingThrdID(machineID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d\n", id)
		case "regst_desc":
			fmt.Fprintf(out, "%d\n", reg.NewRegstDescID())
		default:
			return fmt.Errorf("unknown role %q (want task, persistence, boxing, regst_desc)", role)
		}
	}

	if cfg.Snapshot.Path != "" {
		if err := snapshot.NewManager(cfg.Snapshot.Path).Write(reg.Snapshot()); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		log.WithField("path", cfg.Snapshot.Path).Debug("snapshot written")
	}
	return nil
}

// ============================================================================
// encode / decode
// ============================================================================

func buildEncodeCommand() *cobra.Command {
	var machineID, thrdID, localID int64

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Pack machine, thread and local id into one id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEncode(cmd.OutOrStdout(), machineID, thrdID, localID)
		},
	}

	cmd.Flags().Int64Var(&machineID, "machine", 0, "Machine id (16 bits)")
	cmd.Flags().Int64Var(&thrdID, "thrd", 0, "Thread id (8 bits)")
	cmd.Flags().Int64Var(&localID, "local", 0, "Local id (39 bits)")

	return cmd
}

func runEncode(out io.Writer, machineID, thrdID, localID int64) error {
	id, err := idcodec.Encode(machineID, thrdID, localID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d\t%#x\t%s\n", id.Int64(), id.Int64(), id)
	return nil
}

func buildDecodeCommand() *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "decode <id>...",
		Short: "Decode ids into machine, thread, role and device type",
		Long:  "Accepts decimal, 0x-hex or machine:thrd:local ids. Use --remote to ask a running idmgr serve.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(cmd.Context(), cmd.OutOrStdout(), remote, args)
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "Address of a running idmgr serve (e.g. localhost:50061)")

	return cmd
}

func runDecode(ctx context.Context, out io.Writer, remote string, args []string) error {
	ids := make([]idcodec.ID, len(args))
	for i, a := range args {
		id, err := idcodec.Parse(a)
		if err != nil {
			return err
		}
		ids[i] = id
	}

	decode, closeFn, err := newDecodeFunc(ctx, remote)
	if err != nil {
		return err
	}
	defer closeFn()

	for _, id := range ids {
		d, err := decode(id)
		if err != nil {
			return fmt.Errorf("decode %d: %w", id.Int64(), err)
		}
		printDecoded(out, d)
	}
	return nil
}

func newDecodeFunc(ctx context.Context, remote string) (func(idcodec.ID) (server.Decoded, error), func(), error) {
	if remote == "" {
		_, reg, _, err := newRegistry()
		if err != nil {
			return nil, nil, err
		}
		return func(id idcodec.ID) (server.Decoded, error) {
			return server.Decode(reg, id)
		}, func() {}, nil
	}

	conn, err := grpc.NewClient(remote, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", remote, err)
	}
	client := server.NewClient(conn)
	return func(id idcodec.ID) (server.Decoded, error) {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return client.DecodeActorID(callCtx, id)
	}, func() { conn.Close() }, nil
}

func printDecoded(out io.Writer, d server.Decoded) {
	fmt.Fprintf(out, "%d (%s)\n", d.ActorID.Int64(), d.ActorID)
	fmt.Fprintf(out, "  ├─ Machine:     %d (%s)\n", d.MachineID, d.MachineName)
	fmt.Fprintf(out, "  ├─ Thread:      %d (%s)\n", d.ThrdID, d.Role)
	fmt.Fprintf(out, "  ├─ Device Type: %s\n", d.DeviceType)
	fmt.Fprintf(out, "  └─ Local ID:    %d\n", d.LocalID)
}

// ============================================================================
// topology / status
// ============================================================================

func buildTopologyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Print the machine table and thread id bands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showTopology(cmd.OutOrStdout())
		},
	}
}

func showTopology(out io.Writer) error {
	_, reg, _, err := newRegistry()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Machines:")
	for i, name := range reg.MachineNames() {
		fmt.Fprintf(out, "  %5d  %s\n", i, name)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Thread bands (device type %s):\n", reg.GetDeviceTypeFromThrdID(0))
	for _, b := range reg.Bands() {
		fmt.Fprintf(out, "  %-12s [%d, %d)\n", b.Role, b.Begin, b.End)
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last registry snapshot status",
		Long:  "Display topology and counter high-water marks from snapshot.path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
}

func showStatus(out io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is not set in %s", configFile)
	}

	snap, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           idmgr Registry Snapshot                         ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(out, "Taken At:        %s\n", time.UnixMilli(snap.TakenAtMs).Format(time.RFC3339))
	fmt.Fprintf(out, "Devices/Machine: %d (%s)\n", snap.Resource.DeviceNumPerMachine, snap.Resource.DeviceType)
	fmt.Fprintf(out, "Regst Desc Next: %d\n", snap.RegstDescNext)
	fmt.Fprintln(out)

	for _, m := range snap.Machines {
		var tasks int64
		for _, next := range m.TasksPerThrd {
			tasks += next
		}
		fmt.Fprintf(out, "%s (id %d)\n", m.MachineName, m.MachineID)
		fmt.Fprintf(out, "  ├─ Persistence Threads: %d\n", m.PersistenceOffset)
		fmt.Fprintf(out, "  ├─ Boxing Threads:      %d\n", m.BoxingOffset)
		fmt.Fprintf(out, "  └─ Task IDs Issued:     %d across %d threads\n", tasks, len(m.TasksPerThrd))
	}
	return nil
}
