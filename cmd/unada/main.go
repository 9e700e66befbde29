package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/baderanaas/unada/pkg/api"
	"github.com/baderanaas/unada/pkg/config"
	"github.com/baderanaas/unada/pkg/edge"
	"github.com/baderanaas/unada/pkg/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	dataDir    string
	port       int
	apiAddr    string
	bootstrap  []string
	noMDNS     bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "unada",
	Short: "unada is a peer-to-peer content caching edge node",
	Long: `unada runs a content caching node that cooperates with nearby edge nodes.

It provides:
- A DHT-backed peer directory with direct peer messaging
- Catalog exchange and content prediction
- Provider discovery with bloom-filtered queries
- Chunked, verified content transfer
- Proximity ranking from traceroute AS paths`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the edge node and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd, false)
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start the edge node with an interactive shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd, true)
	},
}

var addCmd = &cobra.Command{
	Use:   "add <content-id> <file>",
	Short: "Add a file to the local content store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid content id: %w", err)
		}
		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer f.Close()

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()
		ref, err := st.Put(id, f)
		if err != nil {
			return fmt.Errorf("failed to store content: %w", err)
		}
		fmt.Printf("Added content %d (%d bytes)\n", ref.ID, ref.Size)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <content-id>",
	Short: "Remove a content item from the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid content id: %w", err)
		}
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Delete(id); err != nil {
			return fmt.Errorf("failed to remove content: %w", err)
		}
		fmt.Printf("Removed content %d\n", id)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the local content store",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()
		records, err := st.List()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No content stored.")
			return nil
		}
		for _, rec := range records {
			kind := "on-demand"
			if rec.Prefetched {
				kind = "prefetched"
			}
			fmt.Printf("%d\t%d bytes\t%s\t%s\n", rec.ID, rec.Size, kind, rec.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.unada)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")

	for _, c := range []*cobra.Command{runCmd, shellCmd} {
		c.Flags().IntVar(&port, "port", 0, "P2P listen port")
		c.Flags().StringVar(&apiAddr, "api", "", "HTTP API listen address, empty to use the config")
		c.Flags().StringSliceVar(&bootstrap, "bootstrap", nil, "Bootstrap peer multiaddresses (e.g., /ip4/1.2.3.4/tcp/4001/p2p/Qm...)")
		c.Flags().BoolVar(&noMDNS, "no-mdns", false, "Disable LAN discovery")
	}

	rootCmd.AddCommand(runCmd, shellCmd, addCmd, removeCmd, listCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadConfig reads the config file and applies the command-line overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("api") {
		cfg.APIAddr = apiAddr
	}
	if flags.Changed("bootstrap") {
		cfg.Bootstrap = bootstrap
	}
	if noMDNS {
		cfg.MDNS = false
	}
	return cfg, cfg.Validate()
}

func openStore(cmd *cobra.Command) (*store.Level, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	dir := cfg.DataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".unada")
	}
	return store.OpenLevel(filepath.Join(dir, "store"))
}

func runNode(cmd *cobra.Command, interactive bool) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := edge.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := node.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := node.Start(ctx); err != nil {
		return err
	}

	status := node.Status()
	fmt.Printf("unada edge node started\n")
	fmt.Printf("Node ID: %s\n", status.ID)
	fmt.Printf("Addresses:\n")
	for _, addr := range status.Addrs {
		fmt.Printf("  %s\n", addr)
	}

	if cfg.APIAddr != "" {
		server := api.NewServer(node, logger)
		fmt.Printf("HTTP API available at: http://%s\n", cfg.APIAddr)
		go func() {
			if err := server.Start(cfg.APIAddr); err != nil {
				logger.Error("API server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Stop(shutdownCtx)
		}()
	}

	if interactive {
		if err := node.RunShell(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	<-ctx.Done()
	fmt.Println("Shutting down edge node...")
	return nil
}
