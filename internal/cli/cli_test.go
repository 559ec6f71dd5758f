package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/looprail/internal/engine"
	"github.com/ChuLiYu/looprail/internal/loop"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644), "Failed to write test config file")
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "looprail", cmd.Use, "Root command should be 'looprail'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	assert.Len(t, commandNames, 3, "Should have 3 subcommands")
	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["bench"], "Should have 'bench' command")
	assert.True(t, commandNames["config"], "Should have 'config' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()
	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildBenchCommand(t *testing.T) {
	cmd := buildBenchCommand()
	assert.Equal(t, "bench", cmd.Use)
	for _, name := range []string{"connections", "messages", "timeout"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
loops:
  min: 3
  max: 6
  threshold: 10
  policy: reject
dispatchers:
  count: 4
timer:
  enabled: false
metrics:
  enabled: true
  port: 8080
  interval: 2s
log:
  level: debug
  format: json
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err, "loadConfig should not return an error")

	assert.Equal(t, 3, cfg.Loops.Min)
	assert.Equal(t, 6, cfg.Loops.Max)
	assert.EqualValues(t, 10, cfg.Loops.Threshold)
	assert.Equal(t, 4, cfg.Dispatchers.Count)
	assert.False(t, cfg.Timer.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.Equal(t, 2*time.Second, cfg.Metrics.Interval)

	// Sections the file leaves out keep their defaults.
	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, 50051, cfg.Health.Port)
	assert.Equal(t, 4, cfg.Workload.Connections)

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, loop.OverflowReject, ec.Policy)
	assert.Equal(t, 2*time.Second, ec.StatsInterval)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = loadConfig(writeConfig(t, "loops: [not, a, map]"))
	assert.ErrorContains(t, err, "failed to parse config YAML")

	cases := map[string]string{
		"min above max":   "loops: {min: 5, max: 2}",
		"unknown policy":  "loops: {policy: drop}",
		"no dispatchers":  "dispatchers: {count: 0}",
		"bad port":        "metrics: {port: 70000}",
		"same ports":      "metrics: {port: 7000}\nhealth: {port: 7000}",
		"bad level":       "log: {level: loud}",
		"bad format":      "log: {format: xml}",
		"negative counts": "workload: {connections: -1}",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, content))
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, *DefaultConfig(), *cfg)
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	log := newLogger(cfg, &buf)
	log.Info("hidden")
	log.Warn("shown", "k", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
}

func TestConfigCommandPrintsYAML(t *testing.T) {
	path := writeConfig(t, "loops: {min: 1, max: 1}\n")
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path})
	require.NoError(t, cmd.Execute())

	var got Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 1, got.Loops.Max)
	assert.Equal(t, "fallback", got.Loops.Policy)
}

func TestRunBench(t *testing.T) {
	cfg := DefaultConfig()
	res, err := runBench(context.Background(), cfg, 3, 50, 10*time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 150, res.Messages)
	assert.Greater(t, res.Throughput(), 0.0)

	_, err = runBench(context.Background(), cfg, 0, 1, time.Second)
	assert.Error(t, err)
}

func TestDemoPipeline(t *testing.T) {
	ec, err := DefaultConfig().EngineConfig()
	require.NoError(t, err)
	eng, err := engine.New(ec)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	tr := &MemTransport{}
	c, err := eng.Connect(tr, DemoPipeline)
	require.NoError(t, err)
	assert.Empty(t, c.Load().Verify(), "demo load stages line up")

	for _, m := range []string{"  hello ", "", "world"} {
		require.NoError(t, c.Read([]byte(m)))
	}
	assert.Eventually(t, func() bool { return tr.Writes() == 2 }, 2*time.Second, time.Millisecond)

	var frames []string
	for _, f := range tr.Frames() {
		frames = append(frames, string(f))
	}
	assert.Equal(t, "HELLO\nWORLD\n", strings.Join(frames, ""))
}
