// Package main provides the convdemo CLI: one forward convolution on a GPU.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/backend"
	"github.com/born-ml/convdemo/internal/config"
	"github.com/born-ml/convdemo/internal/conv"
	"github.com/born-ml/convdemo/internal/envconfig"
	"github.com/born-ml/convdemo/internal/logutil"
)

const version = "v0.1.0"

const (
	successLine     = "Convolution operation completed successfully on the GPU."
	hostSuccessLine = "Convolution operation completed successfully on the host CPU."
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI returns the root command.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "convdemo",
		Short:         "Run one 2-D forward convolution on a GPU",
		Args:          cobra.NoArgs,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: runHandler,
	}

	rootCmd.Flags().String("config", "", "YAML problem file")
	rootCmd.Flags().String("backend", "auto", "Accelerator backend: auto, hip, webgpu or cpu")
	rootCmd.Flags().Int("device", 0, "Device ordinal")
	rootCmd.Flags().Int("algorithms", 1, "Number of algorithm candidates to request")
	rootCmd.Flags().Bool("exhaustive", false, "Exhaustive algorithm search")
	rootCmd.Flags().Bool("verbose", false, "Print the algorithm candidates")

	envVars := envconfig.AsMap()
	appendEnvDocs(rootCmd, []envconfig.EnvVar{
		envVars["CONVDEMO_BACKEND"],
		envVars["CONVDEMO_CONFIG"],
		envVars["CONVDEMO_DEBUG"],
		envVars["CONVDEMO_DEVICE"],
	})

	return rootCmd
}

// loadConfig layers defaults, the YAML file, the environment and the flags,
// later sources winning.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = envconfig.Config()
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if envconfig.Var("CONVDEMO_BACKEND") != "" {
		cfg.Backend = envconfig.Backend()
	}
	if envconfig.Var("CONVDEMO_DEVICE") != "" {
		cfg.Device = int(envconfig.Device()) //nolint:gosec // G115: device ordinals are small
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("device") {
		cfg.Device, _ = flags.GetInt("device")
	}
	if flags.Changed("algorithms") {
		cfg.Search.Algorithms, _ = flags.GetInt("algorithms")
	}
	if flags.Changed("exhaustive") {
		cfg.Search.Exhaustive, _ = flags.GetBool("exhaustive")
	}
	if flags.Changed("verbose") {
		cfg.Verbose, _ = flags.GetBool("verbose")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runHandler(cmd *cobra.Command, _ []string) error {
	logger := logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()).
		With("run", uuid.NewString())

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	b, err := backend.Open(cfg.Backend, logger)
	if err != nil {
		if errors.Is(err, accel.ErrUnavailable) {
			logger.Debug("backend", "error", err)
			return fmt.Errorf("%w: %s backend not available", conv.ErrNoDevice, cfg.Backend)
		}
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			logger.Warn("backend close", "error", cerr)
		}
	}()
	logger.Debug("backend opened", "backend", b.Name())

	opts := cfg.Options()
	done := successLine
	if backend.IsHost(b) {
		logger.Warn("host backend is not a GPU", "backend", b.Name())
		opts.Host = true
		done = hostSuccessLine
	}

	runner := conv.NewRunner(b, cmd.OutOrStdout(), opts)
	runner.Logger = logger
	res, err := runner.Run(cfg.Problem(), cfg.Input.Data, cfg.Filter.Data)
	if err != nil {
		logger.Debug("run failed", "state", runner.State(), "history", runner.History())
		return err
	}
	logger.Debug("run finished", "elapsed", res.Elapsed, "algorithm", res.Selection.Algorithm)

	fmt.Fprintln(cmd.OutOrStdout(), done)
	return nil
}

func main() {
	if err := NewCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
