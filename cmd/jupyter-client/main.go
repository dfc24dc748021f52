// jupyter-client lists installed Jupyter kernels and runs code on them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/smnsjas/go-jupytercore/config"
	"github.com/smnsjas/go-jupytercore/kernelspec"
	"github.com/smnsjas/go-jupytercore/metrics"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// app is the state shared by the subcommands.
type app struct {
	configPath string
	logLevel   string

	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "jupyter-client",
		Short: "Drive Jupyter kernels from the command line",
		Long: `jupyter-client discovers installed Jupyter kernels and talks to them over
the kernel wire protocol.

Examples:
  jupyter-client kernels                     # list installed kernels
  jupyter-client kernels -o yaml             # same, as YAML
  jupyter-client run python3 -c 'print(1)'   # run code on a kernel
  jupyter-client smoke python3               # exercise a kernel end to end`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $HOME/.config/jupytercore/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(newKernelsCmd(a), newRunCmd(a), newSmokeCmd(a))
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg
	a.logger = cfg.Logger(os.Stderr)
	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.MustNewMetrics(a.registry)
	return nil
}

func (a *app) discover(ctx context.Context) ([]kernelspec.Spec, error) {
	reg := kernelspec.NewRegistry(
		kernelspec.WithLogger(a.logger),
		kernelspec.WithConcurrency(a.cfg.Kernels.Concurrency),
		kernelspec.WithMetrics(a.metrics),
		kernelspec.WithErrorHandler(func(err *kernelspec.DiscoveryError) {
			a.logger.Debug("skipped kernel directory", slog.String("dir", err.Dir), slog.Any("error", err.Err))
		}),
	)
	return reg.Discover(ctx, a.cfg.SearchPaths(kernelspec.OSEnv()))
}

// findKernel picks the first spec whose display name or language matches
// name, ignoring case.
func findKernel(specs []kernelspec.Spec, name string) (kernelspec.Spec, error) {
	for _, s := range specs {
		if strings.EqualFold(s.DisplayName, name) {
			return s, nil
		}
	}
	for _, s := range specs {
		if strings.EqualFold(s.Language, name) {
			return s, nil
		}
	}
	known := make([]string, 0, len(specs))
	for _, s := range specs {
		known = append(known, s.DisplayName)
	}
	if len(known) == 0 {
		return kernelspec.Spec{}, fmt.Errorf("kernel %q not found: no kernels installed", name)
	}
	return kernelspec.Spec{}, fmt.Errorf("kernel %q not found (have: %s)", name, strings.Join(known, ", "))
}
