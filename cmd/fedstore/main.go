package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fedstore/pkg/config"
	"fedstore/pkg/federation"
	"fedstore/pkg/node"
	"fedstore/pkg/transport"
	"fedstore/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

var (
	configFile string
	verbose    bool

	// requester is the federation commands act as
	requester string

	// remoteAddress sends put, get, delete and check to a running node
	remoteAddress    string
	remoteFederation string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fedstore",
		Short: "Federation-aware distributed key/value storage",
		Long: `A distributed key/value store shared between federations.
Each node replicates values to its nearest DHT peers and routes key prefixes
to partner federations under per-key access policies.

Commands other than serve open the node's data directory directly, so stop a
running node first, or use --remote for put, get, delete and check.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&requester, "as", "", "federation to act as (default: the node's federation)")
	rootCmd.PersistentFlags().StringVar(&remoteAddress, "remote", "", "address of a running node to send data commands to")
	rootCmd.PersistentFlags().StringVar(&remoteFederation, "remote-federation", "", "federation served at --remote")

	rootCmd.AddCommand(
		serveCmd(),
		putCmd(),
		getCmd(),
		deleteCmd(),
		checkCmd(),
		versionsCmd(),
		keysCmd(),
		policyCmd(),
		routesCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a storage node",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			n, err := node.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting storage node",
				zap.String("node_id", cfg.NodeID),
				zap.String("federation", cfg.FederationID.String()),
				zap.String("address", cfg.ListenAddress))

			return n.Run(ctx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fedstore v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

// loadConfig reads --config when given, otherwise FEDSTORE_* variables.
// Variables override file values.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, cfg.Validate()
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// actingContext attaches --as, or fallback when it is unset, to ctx
func actingContext(ctx context.Context, fallback types.FederationID) context.Context {
	fed := types.FederationID(requester)
	if fed == "" {
		fed = fallback
	}
	return federation.WithRequester(ctx, fed)
}

// withNode opens the configured node without serving it and runs fn
func withNode(fn func(ctx context.Context, n *node.Node) error) error {
	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := node.New(cfg, logger)
	if err != nil {
		return err
	}
	defer n.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Prepare(ctx); err != nil {
		return err
	}
	return fn(actingContext(ctx, cfg.FederationID), n)
}

// withStorage runs fn against --remote when set, otherwise against the
// local node's router
func withStorage(fn func(ctx context.Context, s storage) error) error {
	if remoteAddress == "" {
		return withNode(func(ctx context.Context, n *node.Node) error {
			return fn(ctx, n.Router())
		})
	}

	logger := setupLogger(verbose)
	defer logger.Sync()

	if remoteFederation == "" {
		return fmt.Errorf("--remote-federation is required with --remote")
	}
	fed := types.FederationID(remoteFederation)

	client := transport.NewClient(transport.ClientConfig{}, nil, logger)
	defer client.Close()

	remote := client.FederationStorage(fed, fed, []string{remoteAddress})
	return fn(actingContext(context.Background(), fed), remote)
}
