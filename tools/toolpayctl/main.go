// toolpayctl operates a toolpay ledger database from the command line:
// agent registration and funding, charged calls, settlements and
// read-only reports.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/toolpay/toolpayd/ledgerstore"
	"github.com/toolpay/toolpayd/ledgerstore/boltstore"
	"github.com/toolpay/toolpayd/pricing"
	"github.com/toolpay/toolpayd/settlement"
)

const (
	exitOK    = 0
	exitError = 1

	defaultDBPath = "toolpay.db"
)

type envConfig struct {
	DBPath     string `env:"TOOLPAY_DB_PATH"`
	ConfigPath string `env:"TOOLPAY_CONFIG_PATH"`
	LogLevel   string `env:"TOOLPAY_LOG_LEVEL"`
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env, err := parseEnvConfig(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}

	baseLogger, err := newLogger(env.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer func() { _ = baseLogger.Sync() }()

	root := newRootCmd(env, baseLogger.Sugar().With("component", "toolpayctl"))
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	return exitOK
}

func parseEnvConfig(ctx context.Context) (envConfig, error) {
	var env envConfig
	if err := envconfig.Process(ctx, &env); err != nil {
		return envConfig{}, fmt.Errorf("process env: %w", err)
	}
	env.DBPath = strings.TrimSpace(env.DBPath)
	env.ConfigPath = strings.TrimSpace(env.ConfigPath)
	env.LogLevel = strings.TrimSpace(env.LogLevel)
	if env.DBPath == "" {
		env.DBPath = defaultDBPath
	}
	if env.ConfigPath == "" {
		if info, err := os.Stat("toolpay.yaml"); err == nil && !info.IsDir() {
			env.ConfigPath = "toolpay.yaml"
		}
	}
	return env, nil
}

func newRootCmd(env envConfig, logger *zap.SugaredLogger) *cobra.Command {
	c := &ctl{logger: logger}

	cmd := &cobra.Command{
		Use:           "toolpayctl",
		Short:         "Operate a toolpay pricing and settlement ledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&c.dbPath, "db", env.DBPath, "path to the ledger database")
	cmd.PersistentFlags().StringVar(&c.configPath, "config", env.ConfigPath, "path to the YAML config (optional)")

	cmd.AddCommand(
		newRegisterCmd(c),
		newFundCmd(c),
		newExecuteCmd(c),
		newSettleCmd(c),
		newSweepCmd(c),
		newEligibleCmd(c),
		newMetricsCmd(c),
		newHistoryCmd(c),
		newSettlementsCmd(c),
		newRevenueCmd(c),
	)
	return cmd
}

// ctl carries the shared flags and opens the store per invocation.
type ctl struct {
	dbPath     string
	configPath string
	logger     *zap.SugaredLogger
}

func (c *ctl) open() (ledgerstore.Store, fileConfig, error) {
	cfg, err := loadFileConfig(c.configPath)
	if err != nil {
		return nil, fileConfig{}, err
	}
	store, err := boltstore.Open(c.dbPath)
	if err != nil {
		return nil, fileConfig{}, err
	}
	return store, cfg, nil
}

// fileConfig is the on-disk YAML shape. Missing sections keep the
// built-in defaults.
type fileConfig struct {
	Pricing    pricing.Config    `yaml:"pricing"`
	Settlement settlement.Config `yaml:"settlement"`
}

func loadFileConfig(path string) (fileConfig, error) {
	cfg := fileConfig{
		Pricing:    pricing.DefaultConfig(),
		Settlement: settlement.DefaultConfig(),
	}
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseLogLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(level))
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
