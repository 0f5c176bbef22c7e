// Command classwatch runs classroom attendance and exam invigilation
// sessions over object-detection frames.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"classwatch/internal/config"
)

var version = "dev"

const (
	envConfig   = "CLASSWATCH_CONFIG"
	envLogLevel = "CLASSWATCH_LOG_LEVEL"
)

type options struct {
	configPath string
	logLevel   string
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "classwatch",
		Short:        "Classroom attendance and exam monitoring",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML or JSON config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	serve := serveCommand(opts)
	root.AddCommand(serve, replayCommand(opts))
	root.RunE = serve.RunE
	return root
}

// resolve applies environment overrides on top of flags.
func (o *options) resolve() {
	if v := strings.TrimSpace(os.Getenv(envConfig)); v != "" {
		o.configPath = v
	}
	if v := strings.TrimSpace(os.Getenv(envLogLevel)); v != "" {
		o.logLevel = v
	}
}

// loadManager falls back to built-in defaults when no config file is
// given.
func (o *options) loadManager() (*config.Manager, error) {
	o.resolve()
	if o.configPath == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	mgr, err := config.NewManager(config.ResolvePath(o.configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return mgr, nil
}

func (o *options) level(cfg *config.Config) string {
	if o.logLevel != "" {
		return o.logLevel
	}
	return cfg.LogLevel
}
