// Command kvd runs the in-memory key/value and sorted-set server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/tempo-kv/kvd/cmd/kvd/app"
	"github.com/tempo-kv/kvd/internal/telemetry"
)

const appName = "kvd"

// Version, Branch and Revision are set via -ldflags -X main.Version=...
// at build time.
var (
	Version  string
	Branch   string
	Revision string
)

func init() {
	version.Version = Version
	version.Branch = Branch
	version.Revision = Revision
}

func main() {
	printVersion := flag.Bool("version", false, "Print this build's version information")

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	if *printVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	base := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger := telemetry.NewLogger(base, cfg.LogLevel)

	for _, w := range cfg.CheckConfig() {
		level.Warn(logger).Log("msg", "configuration warning", "warning", w)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(version.NewCollector(appName))

	a, err := app.New(*cfg, logger, reg)
	if err != nil {
		level.Error(logger).Log("msg", "error initializing kvd", "err", err)
		os.Exit(1)
	}

	svc, err := a.Service()
	if err != nil {
		level.Error(logger).Log("msg", "error starting kvd", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	handler := signals.NewHandler(logger)
	go func() {
		handler.Loop()
		_ = svc.StopAsync()
	}()

	level.Info(logger).Log("msg", "starting kvd", "version", version.Info(), "bind", cfg.Bind, "port", cfg.Port)

	if err := services.StartAndAwaitRunning(ctx, svc); err != nil {
		level.Error(logger).Log("msg", "error running kvd", "err", err)
		os.Exit(1)
	}
	if err := svc.AwaitTerminated(ctx); err != nil {
		level.Error(logger).Log("msg", "kvd terminated with error", "err", err)
		os.Exit(1)
	}
}

// loadConfig does a first pass with a throwaway flag set to find
// -config.file/-config.expand-env without erroring on unrelated flags,
// the config struct registers its own flags and defaults, an optional
// YAML file is overlaid (expanding env vars first if requested), and
// finally the real flag.CommandLine is parsed so explicit CLI flags
// override the file.
func loadConfig() (*app.Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]

	probe := flag.NewFlagSet("", flag.ContinueOnError)
	probe.SetOutput(io.Discard)
	probe.StringVar(&configFile, configFileOption, "", "")
	probe.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")

	for len(args) > 0 {
		_ = probe.Parse(args)
		args = args[1:]
	}

	cfg := &app.Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.CommandLine)
	flag.CommandLine.String(configFileOption, "", "Configuration file to load.")
	flag.CommandLine.Bool(configExpandEnvOption, false, "Expand ${VAR} references in the config file against the environment.")

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}
		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buf))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buf = []byte(s)
		}
		if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	return cfg, nil
}
