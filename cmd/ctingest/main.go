/*
Command ctingest loads Certificate Transparency log entries into an analytical store.

`run` fetches an index range of one log and loads the decoded certificates in the same process.
`produce` and `consume` split the two halves over a Kafka topic so several load processes can
share one fetcher. `topic-depth` watches that topic, `sth` and `logs` help pick a log and range,
and `dropped` lists ranges that were given up after exhausting retries.

Exit status of run/produce/consume: 0 completed, 3 completed with dropped ranges,
1 failed, 130 interrupted.
*/
package main

/*
ctingest — load Certificate Transparency logs into analytical stores
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/x-stp/ctingest/internal/buffer"
	"github.com/x-stp/ctingest/internal/certlib"
	"github.com/x-stp/ctingest/internal/client"
	"github.com/x-stp/ctingest/internal/config"
	"github.com/x-stp/ctingest/internal/core"
	"github.com/x-stp/ctingest/internal/ledger"
	"github.com/x-stp/ctingest/internal/metrics"
	"github.com/x-stp/ctingest/internal/sink"
)

// Global flags (persistent across commands)
var (
	configPath  string
	metricsAddr string
)

// Pipeline flags, shared by run, produce and consume. They override the config file only when set.
var (
	logURL        string
	startIndex    uint64
	endIndex      uint64
	batchSize     int
	maxRetries    int
	retryDelay    time.Duration
	rateLimit     float64
	loadWorkers   int
	pinCPUs       bool
	bufferKind    string
	brokers       string
	topic         string
	groupID       string
	sinkKind      string
	sinkDSN       string
	sinkTable     string
	outputDir     string
	ledgerPath    string
	confirmDrop   bool
	statusEnabled bool
)

// Flags of the helper commands.
var (
	pollInterval time.Duration
	logListURL   string
)

var exitCode = core.ExitOK

var rootCmd = &cobra.Command{
	Use:           "ctingest",
	Short:         "ctingest - load Certificate Transparency logs into DuckDB, Postgres or CSV",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch an index range of a CT log and load it into the sink",
	Long: `Fetches [start, end) of the log, decodes every entry and bulk-loads the certificates.
The output table is dropped and recreated first, so --yes (or sink.recreate_confirmed) is required.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, core.ModeRun)
	},
}

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Fetch an index range of a CT log into the Kafka buffer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, core.ModeProduce)
	},
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Load batches from the Kafka buffer into the sink until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, core.ModeConsume)
	},
}

var topicDepthCmd = &cobra.Command{
	Use:   "topic-depth",
	Short: "Print the number of messages held in the Kafka topic at every poll interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchTopicDepth(cmd)
	},
}

var sthCmd = &cobra.Command{
	Use:   "sth",
	Short: "Print the current tree size of a CT log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printSTH(cmd)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List usable Certificate Transparency logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listLogs(cmd.Context())
	},
}

var droppedCmd = &cobra.Command{
	Use:   "dropped",
	Short: "List index ranges abandoned after exhausting retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listDropped(cmd)
	},
}

func addLogFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&logURL, "log-url", "u", config.DefaultLogURL, "CT log base URL")
}

func addFetchFlags(cmd *cobra.Command) {
	addLogFlags(cmd)
	cmd.Flags().Uint64Var(&startIndex, "start", 0, "First log index to fetch")
	cmd.Flags().Uint64Var(&endIndex, "end", 0, "Index to stop before (0 = tree size from get-sth)")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 512, "Entries claimed per fetch worker")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 10, "Attempts per range before it is dropped")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", time.Second, "Delay between attempts")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "Maximum get-entries requests per second (0 = unlimited)")
	cmd.Flags().StringVar(&ledgerPath, "ledger", "ctingest-dropped.db", "Dropped-range ledger file (empty disables)")
}

func addLoadFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&loadWorkers, "workers", "w", 3, "Number of load workers")
	cmd.Flags().BoolVar(&pinCPUs, "pin-cpus", false, "Pin load workers to CPU cores (linux)")
	cmd.Flags().StringVar(&sinkKind, "sink", config.SinkDuckDB, "Sink: duckdb, postgres or csv")
	cmd.Flags().StringVar(&sinkDSN, "dsn", "", "DuckDB file or Postgres connection string")
	cmd.Flags().StringVar(&sinkTable, "table", "certs", "Output table")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "output", "Directory for DuckDB and CSV output")
}

func addKafkaFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&brokers, "brokers", "localhost:9092", "Kafka bootstrap servers")
	cmd.Flags().StringVar(&topic, "topic", "ctlogs", "Kafka topic")
	cmd.Flags().StringVar(&groupID, "group", "ctingest", "Kafka consumer group")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	for _, cmd := range []*cobra.Command{runCmd, produceCmd, consumeCmd} {
		cmd.Flags().StringVar(&bufferKind, "buffer", config.BufferMemory, "Batch buffer: memory or kafka")
		cmd.Flags().BoolVar(&statusEnabled, "stats", true, "Print status every status_interval")
		addKafkaFlags(cmd)
	}
	addFetchFlags(runCmd)
	addLoadFlags(runCmd)
	runCmd.Flags().BoolVarP(&confirmDrop, "yes", "y", false, "Confirm dropping and recreating the output table")

	addFetchFlags(produceCmd)

	addLogFlags(consumeCmd)
	addLoadFlags(consumeCmd)

	addKafkaFlags(topicDepthCmd)
	topicDepthCmd.Flags().DurationVar(&pollInterval, "interval", 5*time.Second, "Poll interval")

	addLogFlags(sthCmd)

	logsCmd.Flags().StringVar(&logListURL, "source", certlib.DefaultLogListURL, "Log list URL or local file")

	droppedCmd.Flags().StringVar(&ledgerPath, "ledger", "ctingest-dropped.db", "Dropped-range ledger file")
	droppedCmd.Flags().StringVarP(&logURL, "log-url", "u", "", "Only list ranges of this log")

	rootCmd.AddCommand(runCmd, produceCmd, consumeCmd, topicDepthCmd, sthCmd, logsCmd, droppedCmd)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, initiating shutdown...", sig)
		cancel()
		// A second signal aborts without waiting for in-flight work.
		sig = <-sigChan
		log.Printf("Received signal %v again, exiting immediately", sig)
		os.Exit(core.ExitInterrupted)
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode == core.ExitOK {
			exitCode = core.ExitFailed
		}
	}
	cancel()
	os.Exit(exitCode)
}

// loadConfig reads the config file and applies the flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			apply()
		}
	}
	set("log-url", func() { cfg.Log.URL = logURL })
	set("start", func() { cfg.Log.StartIndex = startIndex })
	set("end", func() { cfg.Log.EndIndex = endIndex })
	set("batch-size", func() { cfg.Fetch.BatchSize = batchSize })
	set("max-retries", func() { cfg.Fetch.MaxRetries = maxRetries })
	set("retry-delay", func() { cfg.Fetch.RetryDelay = retryDelay })
	set("rate-limit", func() { cfg.Fetch.RateLimit = rateLimit })
	set("ledger", func() { cfg.Ledger.Path = ledgerPath })
	set("workers", func() { cfg.Load.Workers = loadWorkers })
	set("pin-cpus", func() { cfg.Load.PinCPUs = pinCPUs })
	set("buffer", func() { cfg.Buffer.Kind = bufferKind })
	set("brokers", func() { cfg.Buffer.Kafka.Brokers = brokers })
	set("topic", func() { cfg.Buffer.Kafka.Topic = topic })
	set("group", func() { cfg.Buffer.Kafka.GroupID = groupID })
	set("sink", func() { cfg.Sink.Kind = sinkKind })
	set("dsn", func() { cfg.Sink.DSN = sinkDSN })
	set("table", func() { cfg.Sink.Table = sinkTable })
	set("output", func() { cfg.Sink.Dir = outputDir })
	set("yes", func() { cfg.Sink.RecreateConfirmed = confirmDrop })
	set("interval", func() { cfg.Buffer.Kafka.PollInterval = pollInterval })
	if f := cmd.Flag("metrics-addr"); f != nil && f.Changed {
		cfg.MetricsAddr = metricsAddr
	}
	cfg.Log.URL = certlib.NormalizeLogURL(cfg.Log.URL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func startMetrics(cfg *config.Config) func() {
	if cfg.MetricsAddr == "" {
		return func() {}
	}
	metrics.EnableMetrics()
	if err := metrics.StartMetricsServer(cfg.MetricsAddr); err != nil {
		log.Printf("Failed to start metrics server: %v", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.ShutdownMetricsServer(ctx); err != nil {
			log.Printf("Failed to shut down metrics server: %v", err)
		}
	}
}

func openBuffer(cfg *config.Config) (buffer.Buffer, error) {
	switch cfg.Buffer.Kind {
	case config.BufferKafka:
		k := cfg.Buffer.Kafka
		return buffer.NewKafka(buffer.KafkaOptions{
			Brokers:     k.Brokers,
			Topic:       k.Topic,
			GroupID:     k.GroupID,
			PollTimeout: k.PollTimeout,
		})
	default:
		return buffer.NewMemory(cfg.Buffer.Capacity), nil
	}
}

func runPipeline(cmd *cobra.Command, mode core.Mode) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if mode != core.ModeRun && cfg.Buffer.Kind != config.BufferKafka {
		return fmt.Errorf("%s needs the kafka buffer (--buffer kafka)", mode)
	}
	if mode == core.ModeRun && !cfg.Sink.RecreateConfirmed {
		fmt.Fprintf(os.Stderr, "Warning: run drops and recreates the %s table %q; existing rows are lost.\n", cfg.Sink.Kind, cfg.Sink.Table)
		return errors.New("refusing to recreate the output table without --yes")
	}
	ctx := cmd.Context()
	stopMetrics := startMetrics(cfg)
	defer stopMetrics()

	buf, err := openBuffer(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := buf.Close(); err != nil {
			log.Printf("Failed to close buffer: %v", err)
		}
	}()

	opts := core.Options{
		Mode:     mode,
		Config:   cfg,
		Buffer:   buf,
		Recreate: mode == core.ModeRun,
	}
	if statusEnabled {
		opts.Status = os.Stdout
	}

	if mode != core.ModeConsume {
		client.ConfigureForFetchers(cfg.Fetch.MaxConns, cfg.Fetch.RequestTimeout)
		opts.Client = certlib.NewLogClient(cfg.Log.URL, nil)
		if cfg.Ledger.Path != "" {
			led, err := ledger.Open(cfg.Ledger.Path, false)
			if err != nil {
				return err
			}
			defer led.Close()
			opts.Drops = led
		}
	}

	if mode != core.ModeProduce {
		store, err := sink.Open(ctx, cfg.Sink, cfg.Log.URL, cfg.Load.Workers)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("Failed to close %s store: %v", store.Name(), err)
			}
		}()
		opts.Store = store
	}

	p, err := core.NewPipeline(opts)
	if err != nil {
		return err
	}
	outcome := p.Run(ctx)
	exitCode = outcome.ExitCode()
	if outcome.Err != nil {
		return outcome.Err
	}
	return nil
}

func watchTopicDepth(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	k := cfg.Buffer.Kafka
	monitor, err := buffer.NewTopicMonitor(k.Brokers, k.Topic, k.GroupID)
	if err != nil {
		return err
	}
	defer monitor.Close()
	log.Printf("Watching topic %q on %s every %s", k.Topic, k.Brokers, k.PollInterval)
	monitor.Watch(cmd.Context(), os.Stdout, k.PollInterval)
	return nil
}

func printSTH(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	lc := certlib.NewLogClient(cfg.Log.URL, nil)
	sth, err := lc.GetSTH(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", lc.URL())
	fmt.Printf("    \\- Tree size:      %d\n", sth.TreeSize)
	fmt.Printf("    \\- Timestamp:      %s\n", time.UnixMilli(sth.Timestamp).UTC().Format(time.RFC3339))
	return nil
}

func listLogs(ctx context.Context) error {
	logs, err := certlib.GetCTLogs(ctx, logListURL)
	if err != nil {
		return err
	}
	for _, logEntry := range logs {
		fmt.Printf("%s\n", logEntry.Description)
		fmt.Printf("    \\- URL:            %s\n", logEntry.URL)
		fmt.Printf("    \\- Owner:          %s\n", logEntry.OperatedBy)
		fmt.Printf("    \\- State:          %s\n", logEntry.State)
	}
	fmt.Printf("Found %d Certificate Transparency Logs\n", len(logs))
	return nil
}

func listDropped(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("ledger")
	if !cmd.Flags().Changed("ledger") && configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path = cfg.Ledger.Path
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Printf("No ledger at %s\n", path)
		return nil
	}
	led, err := ledger.Open(path, true)
	if err != nil {
		return err
	}
	defer led.Close()

	filter, _ := cmd.Flags().GetString("log-url")
	if filter != "" {
		filter = certlib.NormalizeLogURL(filter)
	}
	ranges, err := led.List(filter)
	if err != nil {
		return err
	}
	var total uint64
	for _, r := range ranges {
		fmt.Printf("%s [%d, %d) %d entries  %s  %s\n", r.LogURL, r.Start, r.End, r.Len(), r.Time.Format(time.RFC3339), r.Reason)
		total += r.Len()
	}
	fmt.Printf("Found %d dropped ranges (%d entries)\n", len(ranges), total)
	return nil
}
