package main

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ctrtransfer/ctrtransfer/cache"
	"github.com/ctrtransfer/ctrtransfer/config"
	"github.com/ctrtransfer/ctrtransfer/manager"
	"github.com/ctrtransfer/ctrtransfer/pipeline"
	"github.com/ctrtransfer/ctrtransfer/render"
	"github.com/ctrtransfer/ctrtransfer/speed"
)

const usageDesc = `Transfer container images between registries and a local cache.`

var log *logrus.Logger

var rootCmd = &cobra.Command{
	Use:           "ctrxfer <cmd>",
	Short:         "Transfer container images between registries and a local cache",
	Long:          usageDesc,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var rootOpts struct {
	cacheDir      string
	username      string
	password      string
	skipTLS       bool
	insecureHTTP  bool
	timeout       time.Duration
	maxConcurrent int
	adaptive      bool
	verbosity     string
	progress      bool
}

func init() {
	log = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.WarnLevel,
	}

	rootCmd.PersistentFlags().StringVar(&rootOpts.cacheDir, "cache-dir", ".ctrxfer-cache", "Local cache directory")
	rootCmd.PersistentFlags().StringVar(&rootOpts.username, "username", "", "Registry username")
	rootCmd.PersistentFlags().StringVar(&rootOpts.password, "password", "", "Registry password")
	rootCmd.PersistentFlags().BoolVar(&rootOpts.skipTLS, "skip-tls", false, "Skip TLS certificate verification")
	rootCmd.PersistentFlags().BoolVar(&rootOpts.insecureHTTP, "http", false, "Use plain http instead of https")
	rootCmd.PersistentFlags().DurationVar(&rootOpts.timeout, "timeout", 7200*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().IntVar(&rootOpts.maxConcurrent, "max-concurrent", 4, "Maximum concurrent blob transfers")
	rootCmd.PersistentFlags().BoolVar(&rootOpts.adaptive, "adaptive", false, "Enable adaptive concurrency based on observed throughput")
	rootCmd.PersistentFlags().StringVarP(&rootOpts.verbosity, "verbosity", "v", logrus.WarnLevel.String(), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&rootOpts.progress, "progress", true, "Show a live transfer progress display")

	rootCmd.PersistentPreRunE = rootPreRun

	rootCmd.AddCommand(pullCmd, extractCmd, pushCmd, listCmd, cleanCmd)
}

func rootPreRun(cmd *cobra.Command, args []string) error {
	lvl, err := logrus.ParseLevel(rootOpts.verbosity)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

// openCache opens the configured cache directory.
func openCache() (*cache.Cache, error) {
	return cache.Open(rootOpts.cacheDir)
}

// newManagerForHost builds a Manager bound to registryHost, applying
// the credential/TLS/concurrency flags common to every subcommand.
// mgrOpts lets the caller attach a progress-renderer hook; zero value
// falls back to manager.DefaultOptions's verification budget.
func newManagerForHost(registryHost string, mgrOpts manager.Options) (*manager.Manager, *cache.Cache, error) {
	c, err := openCache()
	if err != nil {
		return nil, nil, err
	}

	host := config.NewHost(registryHost)
	host.User = rootOpts.username
	host.Pass = rootOpts.password
	host.Timeout = rootOpts.timeout
	switch {
	case rootOpts.insecureHTTP:
		host.TLS = config.TLSDisabled
	case rootOpts.skipTLS:
		host.TLS = config.TLSInsecure
	}
	client := host.NewClient()

	opts := config.DefaultOptions()
	opts.CacheDir = rootOpts.cacheDir
	opts.MaxConcurrent = rootOpts.maxConcurrent
	opts.Adaptive = rootOpts.adaptive

	if mgrOpts.ExtendedVerifyWait == 0 {
		mgrOpts.ExtendedVerifyWait = manager.DefaultOptions().ExtendedVerifyWait
	}
	m := manager.New(client, c, opts, mgrOpts)
	return m, c, nil
}

// attachRenderer wires a live progress display into the manager options
// when --progress is set, returning a stop func that cancels the
// renderer and waits for its goroutine to finish its last frame.
func attachRenderer(ctx context.Context) (manager.Options, func()) {
	if !rootOpts.progress {
		return manager.Options{}, func() {}
	}
	renderCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	opts := manager.Options{
		OnPipelineReady: func(p *pipeline.Pipeline, mon *speed.Monitor) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				render.New(os.Stdout, p, mon, 0).Run(renderCtx)
			}()
		},
	}
	return opts, func() {
		cancel()
		wg.Wait()
	}
}
