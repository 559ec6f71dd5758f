// ============================================================================
// looprail CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 以 Cobra 命令包裝 Engine
//
// 命令結構:
//   looprail                       # 根命令
//   ├── run                        # 啟動 Engine 並產生合成負載
//   ├── bench                      # 經由 demo pipeline 推送訊息
//   │   ├── --connections
//   │   ├── --messages
//   │   └── --timeout
//   ├── config                     # 輸出生效的配置
//   ├── --config, -c               # 配置文件（預設: configs/default.yaml）
//   └── --version
//
// run 命令流程:
//   1. 載入配置，安裝 logger
//   2. 建立並啟動 Engine
//   3. 啟動 metrics HTTP server 與 gRPC health server（若啟用）
//   4. 開啟負載 Connection，每個 interval 送入訊息
//   5. 等待 SIGINT/SIGTERM，然後關閉所有組件
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/looprail/internal/engine"
	"github.com/ChuLiYu/looprail/internal/metrics"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "looprail",
		Short: "looprail: task loops, timers and stage pipelines",
		Long: `looprail is an asynchronous I/O runtime core with:
- weighted task loop groups that grow and heal
- a shared timer for delayed tasks
- reference-counted event dispatchers
- mutable per-connection stage pipelines`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildBenchCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine, metrics and health servers",
		Long:  "Start the engine and drive a synthetic workload until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}
}

func runSystem(ctx context.Context, cfg *Config) error {
	slog.SetDefault(newLogger(cfg, os.Stderr))
	slog.Info("Starting looprail", "config", configFile)

	ec, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		ec.Observer = metrics.NewCollector(reg)
	}

	eng, err := engine.New(ec)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Stop()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, reg)
		go func() {
			slog.Info("Starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server error", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if cfg.Health.Enabled {
		hs, err := newHealthServer(cfg.Health.Port)
		if err != nil {
			return err
		}
		go hs.serve()
		hs.setServing(true)
		defer hs.stop()
		defer hs.setServing(false)
	}

	slog.Info("System started successfully")
	err = runWorkload(ctx, eng, cfg)
	slog.Info("Received shutdown signal, stopping gracefully...")
	return err
}

// runWorkload opens the configured connections and feeds each of them a
// batch of messages every interval until ctx ends.
func runWorkload(ctx context.Context, eng *engine.Engine, cfg *Config) error {
	var conns []*engine.Connection
	for i := 0; i < cfg.Workload.Connections; i++ {
		c, err := eng.Connect(&MemTransport{}, DemoPipeline)
		if err != nil {
			return fmt.Errorf("failed to open workload connection: %w", err)
		}
		if err := c.Activate(); err != nil {
			return err
		}
		conns = append(conns, c)
	}
	if len(conns) == 0 || cfg.Workload.Messages == 0 || cfg.Workload.Interval == 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(cfg.Workload.Interval)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, c := range conns {
				for i := 0; i < cfg.Workload.Messages; i++ {
					seq++
					if err := c.Read([]byte(fmt.Sprintf("message-%d", seq))); err != nil {
						slog.Warn("Workload read failed", "connection", c.ID(), "error", err)
					}
				}
			}
		}
	}
}

func buildBenchCommand() *cobra.Command {
	var connections, messages int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure throughput of the demo pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			res, err := runBench(cmd.Context(), cfg, connections, messages, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connections: %d\nmessages:    %d\nelapsed:     %s\nthroughput:  %.0f msg/s\n",
				connections, res.Messages, res.Elapsed.Round(time.Microsecond), res.Throughput())
			return nil
		},
	}
	cmd.Flags().IntVar(&connections, "connections", 8, "concurrent connections")
	cmd.Flags().IntVar(&messages, "messages", 10000, "messages per connection")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	return cmd
}

// benchResult summarises one bench run.
type benchResult struct {
	Messages int64
	Elapsed  time.Duration
}

func (r benchResult) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Messages) / r.Elapsed.Seconds()
}

func runBench(ctx context.Context, cfg *Config, connections, messages int, timeout time.Duration) (benchResult, error) {
	if connections <= 0 || messages <= 0 {
		return benchResult{}, fmt.Errorf("connections and messages must be positive")
	}
	ec, err := cfg.EngineConfig()
	if err != nil {
		return benchResult{}, err
	}
	eng, err := engine.New(ec)
	if err != nil {
		return benchResult{}, err
	}
	if err := eng.Start(ctx); err != nil {
		return benchResult{}, err
	}
	defer eng.Stop()

	transports := make([]*MemTransport, connections)
	conns := make([]*engine.Connection, connections)
	for i := range conns {
		transports[i] = &MemTransport{}
		if conns[i], err = eng.Connect(transports[i], DemoPipeline); err != nil {
			return benchResult{}, err
		}
	}

	payload := []byte("benchmark payload")
	start := time.Now()
	for i := 0; i < messages; i++ {
		for _, c := range conns {
			if err := c.Read(payload); err != nil {
				return benchResult{}, err
			}
		}
	}

	want := int64(messages)
	deadline := time.Now().Add(timeout)
	for {
		var total int64
		done := true
		for _, tr := range transports {
			n := tr.Writes()
			total += n
			if n < want {
				done = false
			}
		}
		if done {
			return benchResult{Messages: total, Elapsed: time.Since(start)}, nil
		}
		if time.Now().After(deadline) {
			return benchResult{}, fmt.Errorf("bench timed out with %d/%d messages", total, want*int64(connections))
		}
		time.Sleep(time.Millisecond)
	}
}

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return enc.Close()
		},
	}
}
