// ============================================================================
// GroupMesh CLI
// ============================================================================
//
// Command Structure:
//   groupmesh                      # Root command
//   ├── run                        # Start the node (admin API, ledger, mesh hub)
//   ├── simulate                   # Fan one message out to a synthetic group
//   │   ├── --members, -m
//   │   └── --failure-rate
//   ├── strategy <count>           # Print the strategy chosen for a group size
//   ├── status                     # Offline view of config and distribution log
//   └── --config, -c               # Config file (default: configs/groupmesh.yaml)
//
// Configuration:
//   YAML file, then .env, then GROUPMESH_* environment variables.
//
// run Command:
//   1. Load config and configure slog
//   2. Assemble storage/transport components and the Controller
//   3. Recover the distribution log, start snapshot and prune loops
//   4. Serve until SIGINT/SIGTERM, then stop gracefully
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/groupmesh/internal/crypto"
	"github.com/ChuLiYu/groupmesh/internal/distributor"
	"github.com/ChuLiYu/groupmesh/internal/encryption"
	"github.com/ChuLiYu/groupmesh/internal/optimizer"
	"github.com/ChuLiYu/groupmesh/internal/storage/wal"
	"github.com/ChuLiYu/groupmesh/internal/transport/ledger"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

// Version is the CLI version string.
const Version = "1.0.0"

var configFile string

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "groupmesh",
		Short:         "Encrypted group message fan-out",
		Long:          "GroupMesh distributes sender-key encrypted group messages to very large groups.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildStrategyCommand())
	rootCmd.AddCommand(buildStatusCommand())
	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the groupmesh node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			log := setupLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					log.Warn("close resources", "error", err)
				}
			}()

			log.Info("groupmesh starting", "http", cfg.HTTP.Addr, "wal", cfg.WAL.Path)
			if err := a.run(ctx); err != nil {
				return err
			}
			log.Info("groupmesh stopped")
			return nil
		},
	}
}

// ============================================================================
// simulate
// ============================================================================

type simulateOptions struct {
	members     int
	failureRate float64
	retry       bool
}

func buildSimulateCommand() *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Distribute one message to a synthetic group in process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.members < 2 {
				return fmt.Errorf("--members must be at least 2, got %d", opts.members)
			}
			if opts.failureRate < 0 || opts.failureRate >= 1 {
				return fmt.Errorf("--failure-rate must be in [0, 1), got %v", opts.failureRate)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return simulate(ctx, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().IntVarP(&opts.members, "members", "m", 15000, "group size including the sender")
	cmd.Flags().Float64Var(&opts.failureRate, "failure-rate", 0.01, "probability that one ledger send fails")
	cmd.Flags().BoolVar(&opts.retry, "retry", true, "retry failed recipients once the run finishes")
	return cmd
}

func simulate(ctx context.Context, out io.Writer, opts simulateOptions) error {
	members := make([]string, opts.members)
	for i := range members {
		members[i] = fmt.Sprintf("member-%05d", i)
	}
	sender := members[0]
	groupID := "sim-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	enc := encryption.NewManager(crypto.NewMemoryStore())
	if _, err := enc.InitializeGroupEncryption(ctx, groupID, members[1:], sender); err != nil {
		return err
	}

	lb := ledger.NewLoopback()
	flaky := &ledger.Flaky{Next: lb, Rate: opts.failureRate, Rand: rand.Float64}
	dist := distributor.New(enc, flaky,
		distributor.WithOptimizer(optimizer.New(optimizer.WithRetryDelays(5*time.Millisecond, 50*time.Millisecond))))

	fmt.Fprintf(out, "Group %s: %d members, strategy %s\n",
		groupID, opts.members, distributor.GetOptimalDistributionStrategy(opts.members))

	res, err := dist.Distribute(ctx, distributor.Request{
		GroupID:    groupID,
		SenderID:   sender,
		Plaintext:  []byte("hello from the simulator"),
		Recipients: members[1:],
	})
	if err != nil {
		return err
	}
	printResult(out, "Distribution", res)

	if opts.retry && res.FailedDeliveries > 0 {
		flaky.Rate = 0
		retried, err := dist.RetryFailedDeliveries(ctx, res.DistributionID)
		if err != nil {
			return err
		}
		printResult(out, "Retry", retried)
	}
	fmt.Fprintf(out, "Ledger accepted %d envelopes\n", lb.Sent())
	return nil
}

func printResult(out io.Writer, title string, res types.DistributionResult) {
	fmt.Fprintf(out, "\n%s %s\n", title, res.DistributionID)
	fmt.Fprintf(out, "  ├─ Status:      %s\n", res.Status)
	fmt.Fprintf(out, "  ├─ Strategy:    %s\n", res.Strategy)
	fmt.Fprintf(out, "  ├─ Delivered:   %d/%d\n", res.SuccessfulDeliveries, res.TotalRecipients)
	fmt.Fprintf(out, "  ├─ Failed:      %d\n", res.FailedDeliveries)
	fmt.Fprintf(out, "  └─ Duration:    %s\n", res.Duration.Round(time.Millisecond))
}

// ============================================================================
// strategy
// ============================================================================

func buildStrategyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "strategy <count>",
		Short: "Print the distribution strategy for a group size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid member count %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), distributor.GetOptimalDistributionStrategy(n))
			return nil
		},
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node status from config and the distribution log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func showStatus(out io.Writer, cfg *Config) error {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           GroupMesh Node Status                           ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Admin API:       %s\n", cfg.HTTP.Addr)
	fmt.Fprintf(out, "  ├─ Ledger:          %s\n", describeLedger(cfg))
	fmt.Fprintf(out, "  └─ Mesh:            %s\n", describeMesh(cfg))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Storage:")
	fmt.Fprintf(out, "  ├─ WAL:             %s\n", cfg.WAL.Path)
	fmt.Fprintf(out, "  ├─ Snapshot:        %s (every %s, %d backups)\n",
		cfg.Snapshot.Path, cfg.Snapshot.Interval, cfg.Snapshot.Backups)
	fmt.Fprintf(out, "  ├─ Messages:        %s\n", orDefault(redactDSN(cfg.Storage.PostgresDSN), "memory"))
	fmt.Fprintf(out, "  └─ Key Queue:       %s\n", orDefault(cfg.Storage.RedisAddr, "memory"))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📊 Distribution Log:")
	if _, err := os.Stat(cfg.WAL.Path); err != nil {
		fmt.Fprintln(out, "  └─ No log yet (run 'groupmesh run' to start)")
		fmt.Fprintln(out)
		return nil
	}
	count, err := wal.CountEvents(cfg.WAL.Path)
	if err != nil {
		return fmt.Errorf("read distribution log: %w", err)
	}
	pending, err := wal.Pending(cfg.WAL.Path)
	if err != nil {
		return fmt.Errorf("read distribution log: %w", err)
	}
	fmt.Fprintf(out, "  ├─ Events:          %d\n", count)
	fmt.Fprintf(out, "  └─ In Progress:     %d\n", len(pending))
	for _, ev := range pending {
		fmt.Fprintf(out, "     └─ %s\n", ev.DistributionID)
	}
	fmt.Fprintln(out)
	return nil
}

func describeLedger(cfg *Config) string {
	if cfg.Ledger.Remote != "" {
		return "remote " + cfg.Ledger.Remote
	}
	if cfg.Ledger.Listen != "" {
		return "loopback, serving gRPC on " + cfg.Ledger.Listen
	}
	return "loopback"
}

func describeMesh(cfg *Config) string {
	switch {
	case !cfg.Mesh.Enabled:
		return "disabled"
	case cfg.Mesh.RelayURL != "":
		return "relay " + cfg.Mesh.RelayURL
	default:
		return "embedded hub"
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// redactDSN keeps credentials out of the status output.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	return "postgres (configured)"
}
