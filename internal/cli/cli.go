// Package cli provides the wal-tailer command line interface, built on
// Cobra.
//
// Command structure:
//
//	wal-tailer                     # Root command
//	├── run                        # Start tailing every WAL group
//	│   └── --config, -c           # Specify config file
//	├── status                     # Print last-known positions once
//	├── emit                       # Append synthetic WAL records (demo/test fixture)
//	├── --version
//	└── --help
//
// Configuration is a YAML file (default: configs/default.yaml) with
// reader/quota/retry/metrics sections; see Config below for the full
// shape.
//
// run starts one ReaderLoop per immediate subdirectory of wal.root (each
// subdirectory is a WAL group), wires a shared quota.Controller and a
// metrics.Collector, drains every group's ready-queue with a
// shippersim.Pool, loads any previously-saved positions from
// internal/positionstore, and persists the registry's positions back to
// that store on a fixed interval and on shutdown. It captures SIGINT and
// SIGTERM and stops every loop before exiting.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/riverbank-data/wal-tailer/internal/entryreader"
	"github.com/riverbank-data/wal-tailer/internal/groupregistry"
	"github.com/riverbank-data/wal-tailer/internal/logqueue"
	"github.com/riverbank-data/wal-tailer/internal/metrics"
	"github.com/riverbank-data/wal-tailer/internal/positionstore"
	"github.com/riverbank-data/wal-tailer/internal/quota"
	"github.com/riverbank-data/wal-tailer/internal/readerloop"
	"github.com/riverbank-data/wal-tailer/internal/shippersim"
	"github.com/riverbank-data/wal-tailer/internal/walrecord"
	"github.com/riverbank-data/wal-tailer/internal/walwriter"
	"github.com/riverbank-data/wal-tailer/pkg/types"
)

var log = slog.Default()

// Config is the complete system configuration, unmarshalled from YAML.
type Config struct {
	Reader struct {
		SizeCapacity  int64 `yaml:"size_capacity"`
		CountCapacity int   `yaml:"count_capacity"`
		QueueCapacity int   `yaml:"queue_capacity"`
	} `yaml:"reader"`

	Quota struct {
		Bytes int64 `yaml:"bytes"`
	} `yaml:"quota"`

	Retry struct {
		SleepMs       int `yaml:"sleep_ms"`
		MaxMultiplier int `yaml:"max_multiplier"`
	} `yaml:"retry"`

	EOFAutorecovery bool `yaml:"eof_autorecovery"`

	WAL struct {
		Root string `yaml:"root"`
	} `yaml:"wal"`

	FS struct {
		TimeoutMs int `yaml:"timeout_ms"`
	} `yaml:"fs"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Position struct {
		StorePath      string `yaml:"store_path"`
		SaveIntervalMs int    `yaml:"save_interval_ms"`
	} `yaml:"position"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Reader.SizeCapacity = 64 << 20
	cfg.Reader.CountCapacity = 25000
	cfg.Reader.QueueCapacity = 1
	cfg.Quota.Bytes = 256 << 20
	cfg.Retry.SleepMs = 1000
	cfg.Retry.MaxMultiplier = 300
	cfg.EOFAutorecovery = false
	cfg.WAL.Root = "./data/wal"
	cfg.FS.TimeoutMs = 2000
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Position.StorePath = "./data/positions.json"
	cfg.Position.SaveIntervalMs = 5000
	return cfg
}

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wal-tailer",
		Short: "wal-tailer: a per-group WAL tailing reader for inter-cluster replication",
		Long: `wal-tailer tails one or more WAL groups, assembles size/count-bounded
batches, applies a filter chain, and hands finished batches to a shipper
through a bounded ready-queue, all gated by a process-wide byte quota.`,
		Version: "0.1.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildEmitCommand())

	return rootCmd
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("cli: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cli: parse config YAML: %w", err)
	}
	return &cfg, nil
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start tailing every WAL group under wal.root",
		Long:  "Discover WAL groups, start one ReaderLoop per group, and drain their ready-queues until a shutdown signal arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
	return cmd
}

// runningGroup bundles the pieces a group needs torn down on shutdown.
type runningGroup struct {
	group string
	loop  *readerloop.Loop
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	groups, err := discoverGroups(cfg.WAL.Root)
	if err != nil {
		return fmt.Errorf("run: discover WAL groups: %w", err)
	}
	if len(groups) == 0 {
		log.Warn("no WAL groups found", "root", cfg.WAL.Root)
	}

	store := positionstore.New(cfg.Position.StorePath)
	saved, err := store.Load()
	if err != nil && err != positionstore.ErrNotFound {
		return fmt.Errorf("run: load position store: %w", err)
	}

	reg := groupregistry.New()

	var collector *metrics.Collector
	registerer := prometheus.DefaultRegisterer
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(registerer)
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	qc := quota.New(cfg.Quota.Bytes)
	pool := shippersim.NewPool(qc, 0, func(group string, b types.Batch) {
		log.Debug("batch shipped", "group", group, "nb_entries", b.NbEntries)
	})

	fsTimeout := time.Duration(cfg.FS.TimeoutMs) * time.Millisecond
	loopCfg := readerloop.Config{
		SizeCapacity:       cfg.Reader.SizeCapacity,
		CountCapacity:      cfg.Reader.CountCapacity,
		RetryBaseSleep:     time.Duration(cfg.Retry.SleepMs) * time.Millisecond,
		RetryMaxMultiplier: cfg.Retry.MaxMultiplier,
		EOFAutorecovery:    cfg.EOFAutorecovery,
		FSTimeout:          fsTimeout,
	}

	running := make([]runningGroup, 0, len(groups))
	for _, g := range groups {
		start := types.Position{Path: types.LogPath(g.paths[0])}
		if pos, ok := saved[g.name]; ok {
			start = pos
		}

		state, err := reg.Register(g.name, start, cfg.Reader.QueueCapacity)
		if err != nil {
			return fmt.Errorf("run: register group %s: %w", g.name, err)
		}

		var hook logqueue.MetricsHook
		if collector != nil {
			hook = collector.HookFor(g.name)
		}
		q := logqueue.New(hook)
		for _, p := range pathsFromPosition(g.paths, string(start.Path)) {
			q.Enqueue(p)
		}

		var sink readerloop.MetricsSink
		if collector != nil {
			sink = collector
		} else {
			sink = noopMetricsSink{}
		}

		loop := readerloop.New(g.name, q, entryreader.NewFileFactory(), nil, qc, sink, reg, nil, loopCfg)
		loop.Start()
		pool.Drain(g.name, state.ReadyQueue)

		running = append(running, runningGroup{group: g.name, loop: loop})
	}

	stopSaving := make(chan struct{})
	saveDone := make(chan struct{})
	go periodicallySavePositions(reg, store, time.Duration(cfg.Position.SaveIntervalMs)*time.Millisecond, stopSaving, saveDone)

	log.Info("wal-tailer started", "groups", len(running))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received, stopping")
	close(stopSaving)
	<-saveDone

	for _, rg := range running {
		rg.loop.Stop()
	}
	pool.Stop()

	if err := store.Save(reg.Snapshot().Groups); err != nil {
		log.Error("final position save failed", "error", err)
	}

	log.Info("wal-tailer stopped")
	return nil
}

func periodicallySavePositions(reg *groupregistry.Registry, store *positionstore.Store, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := store.Save(reg.Snapshot().Groups); err != nil {
				log.Error("periodic position save failed", "error", err)
			}
		}
	}
}

type noopMetricsSink struct{}

func (noopMetricsSink) AddLogEditsRead(string, int)             {}
func (noopMetricsSink) AddLogEditsFiltered(string, int)         {}
func (noopMetricsSink) AddLogReadBytes(string, int64)           {}
func (noopMetricsSink) IncUnknownFileLength(string)             {}
func (noopMetricsSink) IncUncleanlyClosedWals(string)           {}
func (noopMetricsSink) AddBytesSkippedUnclosed(string, int64)   {}
func (noopMetricsSink) IncRestartedWalReading(string)           {}
func (noopMetricsSink) IncCompletedWal(string)                  {}
func (noopMetricsSink) IncCompletedRecoveryQueue(string)        {}
func (noopMetricsSink) SetAgeOfLastShippedOpMs(string, float64) {}

// walGroup is one discovered WAL group: its name (the subdirectory's base
// name) and its .wal files in ascending (oldest-first) order.
type walGroup struct {
	name  string
	paths []string
}

// discoverGroups treats every immediate subdirectory of root as a WAL
// group and lists its *.wal files in lexical (and therefore chronological,
// given walwriter's zero-padded sequence names) order. A group with no
// files yet is skipped; it has nothing to queue until its first roll.
func discoverGroups(root string) ([]walGroup, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var groups []walGroup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		files, err := filepath.Glob(filepath.Join(dir, "*.wal"))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			continue
		}
		sort.Strings(files)
		groups = append(groups, walGroup{name: e.Name(), paths: files})
	}
	return groups, nil
}

// pathsFromPosition returns the suffix of paths (sorted oldest-first)
// starting at startPath, so a restart does not re-enqueue files the saved
// position has already fully consumed. If startPath is not found among
// paths (a saved position pointing at a file already rolled off disk; a
// brand-new group starts at its first path, which is always found),
// every path is returned: there is nothing safe to
// trim, and re-reading a missing file is merely a transient open error,
// not duplicated delivery.
func pathsFromPosition(paths []string, startPath string) []string {
	for i, p := range paths {
		if p == startPath {
			return paths[i:]
		}
	}
	return paths
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show last-known WAL group positions",
		Long:  "Print the position store's last-saved offset for every WAL group, without starting any reader.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	fmt.Println("wal-tailer status")
	fmt.Printf("  config file:     %s\n", configFile)
	fmt.Printf("  wal root:        %s\n", cfg.WAL.Root)
	fmt.Printf("  quota bytes:     %d\n", cfg.Quota.Bytes)
	fmt.Printf("  eof autorecover: %t\n", cfg.EOFAutorecovery)
	fmt.Println()

	store := positionstore.New(cfg.Position.StorePath)
	positions, err := store.Load()
	if err == positionstore.ErrNotFound {
		fmt.Println("no position store found yet (reader has not shipped a batch)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	names := make([]string, 0, len(positions))
	for name := range positions {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("groups:")
	for _, name := range names {
		pos := positions[name]
		fmt.Printf("  %-20s %s @ %d\n", name, pos.Path, pos.Offset)
	}
	return nil
}

func buildEmitCommand() *cobra.Command {
	var group string
	var table string
	var rowKey string
	var editBytes int64
	var roll bool

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Append one synthetic record to a WAL group (demo/test fixture)",
		Long:  "Append one walrecord-framed record to the current file of the named group under wal.root, creating the group and its first file if needed. Intended for manual testing, not production use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return emitRecord(group, table, rowKey, editBytes, roll)
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "WAL group name (subdirectory of wal.root)")
	cmd.Flags().StringVar(&table, "table", "demo", "record table name")
	cmd.Flags().StringVar(&rowKey, "row-key", "r1", "record row key")
	cmd.Flags().Int64Var(&editBytes, "edit-bytes", 16, "record edit byte size")
	cmd.Flags().BoolVar(&roll, "roll", false, "roll to a new file after appending")
	cmd.MarkFlagRequired("group")

	return cmd
}

func emitRecord(group, table, rowKey string, editBytes int64, roll bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("emit: %w", err)
	}

	dir := filepath.Join(cfg.WAL.Root, group)
	w, err := walwriter.New(dir)
	if err != nil {
		return fmt.Errorf("emit: open writer for group %s: %w", group, err)
	}
	defer w.Close()

	n, err := w.Append(walrecord.Record{
		WriteTime: time.Now(),
		Table:     table,
		Cells:     []walrecord.Cell{{RowKey: rowKey}},
		EditBytes: editBytes,
	})
	if err != nil {
		return fmt.Errorf("emit: append: %w", err)
	}
	fmt.Printf("appended record to %s (length now %d bytes)\n", w.CurrentPath(), n)

	if roll {
		newPath, err := w.Roll()
		if err != nil {
			return fmt.Errorf("emit: roll: %w", err)
		}
		fmt.Printf("rolled to %s\n", newPath)
	}
	return nil
}
