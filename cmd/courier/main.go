package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	agentrun "github.com/rzbill/courier/internal/cmd/agent"
	clientcmd "github.com/rzbill/courier/internal/cmd/client"
	outboxcmd "github.com/rzbill/courier/internal/cmd/outbox"
	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/runtime"
	logpkg "github.com/rzbill/courier/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	// CLI output before the agent applies its own log config
	level := os.Getenv(cfgpkg.EnvPrefix + "LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := clientcmd.NewRoot(statusURL)
	rootCmd.Short = "Courier event delivery agent"
	rootCmd.Long = "Courier batches community events, delivers them to a backend over WebSocket or Kafka, and buffers them durably while offline."
	rootCmd.PersistentFlags().String("config", os.Getenv(cfgpkg.EnvPrefix+"CONFIG"), "Config file (.yaml, .yml or .json)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")

	// init
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = "courier.yaml"
			}
			if err := cfgpkg.Save(path, cfgpkg.Default()); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	rootCmd.AddCommand(initCmd)

	// agent run
	agentCmd := &cobra.Command{Use: "agent", Short: "Agent commands"}
	agentRunCmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the delivery agent",
		Aliases: []string{"start"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := agentrun.Run(context.Background(), agentrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("agent error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	agentRunCmd.Flags().String("transport", "", "Transport: ws|kafka")
	agentRunCmd.Flags().String("ws-url", "", "WebSocket backend URL")
	agentRunCmd.Flags().String("kafka-brokers", "", "Comma separated Kafka brokers")
	agentRunCmd.Flags().String("instance-label", "", "Label reported in the registration handshake")
	agentRunCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	agentRunCmd.Flags().String("status", "", "Status server listen address (\"off\" disables it)")
	agentRunCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	agentRunCmd.Flags().String("log-format", "", "Log format: text|json (default text)")
	agentCmd.AddCommand(agentRunCmd)
	rootCmd.AddCommand(agentCmd)

	// outbox maintenance
	rootCmd.AddCommand(outboxcmd.NewCommand(func() (cfgpkg.Config, error) {
		return resolveConfig(rootCmd)
	}))

	// version
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "courier", runtime.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfig layers defaults, the config file, COURIER_* env vars and
// explicit flags, in that order.
func resolveConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	str("data-dir", &cfg.DataDir)
	str("transport", &cfg.Transport.Kind)
	str("ws-url", &cfg.Transport.WS.URL)
	str("instance-label", &cfg.Instance.Label)
	str("fsync", &cfg.Fsync)
	str("status", &cfg.StatusAddr)
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	if f := flags.Lookup("kafka-brokers"); f != nil && f.Changed {
		cfg.Transport.Kafka.Brokers = strings.Split(f.Value.String(), ",")
	}
	if cfg.StatusAddr == "off" {
		cfg.StatusAddr = ""
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	return cfg, nil
}

func statusURL() string {
	if v := os.Getenv(cfgpkg.EnvPrefix + "STATUS_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://127.0.0.1:8787"
}
