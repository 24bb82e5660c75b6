// Package cli wires the cobra command tree: run starts a cluster node,
// status and enqueue talk to a running cluster through the client
// library.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coordd/coordd/internal/metrics"
	"github.com/coordd/coordd/internal/node"
	"github.com/coordd/coordd/internal/raft"
	"github.com/coordd/coordd/internal/server"
	"github.com/coordd/coordd/pkg/client"
)

// Config maps the YAML config file.
type Config struct {
	Node struct {
		ID         string   `yaml:"id"`
		ListenAddr string   `yaml:"listen_addr"`
		Peers      []string `yaml:"peers"`
	} `yaml:"node"`

	Storage struct {
		WALPath      string `yaml:"wal_path"`
		SnapshotPath string `yaml:"snapshot_path"`
	} `yaml:"storage"`

	Timings struct {
		ElectionTimeoutMs   int `yaml:"election_timeout_ms"`
		HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
		HeartbeatTimeoutSec int `yaml:"heartbeat_timeout_sec"`
		ClaimTTLSec         int `yaml:"claim_ttl_sec"`
		LockTTLSec          int `yaml:"lock_ttl_sec"`
		SnapshotIntervalSec int `yaml:"snapshot_interval_sec"`
	} `yaml:"timings"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "coordd",
		Short:   "coordd: a replicated worker coordination core",
		Long:    "coordd runs a cluster of coordination nodes replicating sessions,\na priority task queue, and resource locks through a consensus log.",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildEnqueueCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var (
		id     string
		listen string
		peers  []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a coordination node",
		Long:  "Start one cluster node. Flags override the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if id != "" {
				cfg.Node.ID = id
			}
			if listen != "" {
				cfg.Node.ListenAddr = listen
			}
			if len(peers) > 0 {
				cfg.Node.Peers = peers
			}
			return runNode(cfg)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "node ID (host:port, must match what peers dial)")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address")
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "peer addresses (host:port, excluding this node)")

	return cmd
}

func runNode(cfg *Config) error {
	setupLogger(cfg.Log.Level)

	if cfg.Node.ID == "" {
		return errors.New("node id is required")
	}
	if cfg.Node.ListenAddr == "" {
		cfg.Node.ListenAddr = cfg.Node.ID
	}

	nodeCfg := node.DefaultConfig()
	nodeCfg.ID = cfg.Node.ID
	nodeCfg.Peers = cfg.Node.Peers
	nodeCfg.WALPath = cfg.Storage.WALPath
	nodeCfg.SnapshotPath = cfg.Storage.SnapshotPath
	if nodeCfg.WALPath == "" {
		nodeCfg.WALPath = "data/coordd.wal"
	}
	if nodeCfg.SnapshotPath == "" {
		nodeCfg.SnapshotPath = "data/coordd.snapshot"
	}
	if v := cfg.Timings.ElectionTimeoutMs; v > 0 {
		nodeCfg.ElectionTimeout = time.Duration(v) * time.Millisecond
	}
	if v := cfg.Timings.HeartbeatIntervalMs; v > 0 {
		nodeCfg.HeartbeatInterval = time.Duration(v) * time.Millisecond
	}
	if v := cfg.Timings.HeartbeatTimeoutSec; v > 0 {
		nodeCfg.HeartbeatTimeout = time.Duration(v) * time.Second
	}
	if v := cfg.Timings.ClaimTTLSec; v > 0 {
		nodeCfg.ClaimTTL = time.Duration(v) * time.Second
	}
	if v := cfg.Timings.LockTTLSec; v > 0 {
		nodeCfg.LockTTL = time.Duration(v) * time.Second
	}
	if v := cfg.Timings.SnapshotIntervalSec; v > 0 {
		nodeCfg.SnapshotInterval = time.Duration(v) * time.Second
	}

	collector := metrics.NewCollector()
	transport := raft.NewHTTPTransport(nodeCfg.RPCTimeout)

	n, err := node.New(nodeCfg, transport, collector)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	if err := n.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	srv := server.New(n, collector)
	httpServer := &http.Server{
		Addr:    cfg.Node.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Node.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
		n.Stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}
	n.Stop()

	slog.Info("Node stopped")
	return nil
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cluster status",
		Long:  "Query a running node for its view of the cluster and state machine.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:8400", "node address to query")
	return cmd
}

func showStatus(addr string) error {
	c, err := client.New([]string{addr}, client.Options{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := c.ClusterStatus(ctx)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}

	fmt.Printf("Node:            %s\n", status.NodeID)
	fmt.Printf("Leader:          %s\n", status.Leader)
	fmt.Printf("Term:            %d\n", status.Term)
	fmt.Printf("Peers:           %d\n", len(status.Peers))
	fmt.Printf("Committed index: %d\n", status.CommittedIndex)
	fmt.Printf("Applied index:   %d\n", status.AppliedIndex)

	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	tasks, err := c.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	byStatus := map[string]int{}
	for _, t := range tasks {
		byStatus[string(t.Status)]++
	}

	fmt.Printf("Sessions:        %d\n", len(sessions))
	fmt.Printf("Tasks:           %d", len(tasks))
	if len(tasks) > 0 {
		fmt.Printf(" (")
		first := true
		for status, count := range byStatus {
			if !first {
				fmt.Printf(", ")
			}
			fmt.Printf("%s: %d", status, count)
			first = false
		}
		fmt.Printf(")")
	}
	fmt.Println()
	return nil
}

func buildEnqueueCommand() *cobra.Command {
	var (
		addr     string
		taskFile string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue tasks from a JSON file",
		Long:  "Read task definitions from a JSON file and submit them to the cluster.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueTasks(addr, taskFile)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:8400", "node address to submit to")
	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file containing task definitions")
	cmd.MarkFlagRequired("file")

	return cmd
}

func enqueueTasks(addr, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read task file: %w", err)
	}

	var defs []client.EnqueueTaskRequest
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("parse task file: %w", err)
	}

	c, err := client.New([]string{addr}, client.Options{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	submitted := 0
	for _, def := range defs {
		task, err := c.EnqueueTask(ctx, def)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue %q failed: %v\n", def.IdempotencyKey, err)
			continue
		}
		fmt.Printf("enqueued %s (priority %d)\n", task.ID, task.Priority)
		submitted++
	}

	fmt.Printf("submitted %d/%d tasks\n", submitted, len(defs))
	if submitted < len(defs) {
		return fmt.Errorf("%d tasks failed", len(defs)-submitted)
	}
	return nil
}

func setupLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func loadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Flags alone can describe a node.
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	return &cfg, nil
}
