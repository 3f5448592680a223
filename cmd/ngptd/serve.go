package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ngptd/internal/config"
	"ngptd/internal/httpapi"
	"ngptd/internal/manager"
	"ngptd/internal/registry"
	"ngptd/pkg/types"
)

type serveOptions struct {
	configPath      string
	addr            string
	modelsDir       string
	memBudgetMB     int
	memMarginMB     int
	defaultModel    string
	maxQueueDepth   int
	maxWaitSec      int
	drainTimeoutSec int
	maxBodyBytes    int64
	inferTimeoutSec int64
	corsEnabled     bool
	corsOrigins     string
	corsMethods     string
	corsHeaders     string
	lruStatePath    string
	watch           bool
	noWarmStart     bool
}

func buildServeCmd() *cobra.Command {
	cmd, _ := newServeCmd()
	return cmd
}

func newServeCmd() (*cobra.Command, *serveOptions) {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP daemon",
		Example: "  ngptd serve --models-dir ~/models/ngpt\n" +
			"  ngptd serve --config /etc/ngptd/config.yaml --addr :9090",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveServeConfig(cmd, *opts)
			if err != nil {
				return err
			}
			return fnServe(cfg, opts.noWarmStart)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Config file (.yaml/.yml/.json/.toml); flags override file values")
	f.StringVar(&opts.addr, "addr", ":8080", "HTTP listen address (defaults NGPTD_ADDR or :8080)")
	f.StringVar(&opts.modelsDir, "models-dir", "~/models/ngpt", "Directory to scan for *.ngpt checkpoints")
	f.IntVar(&opts.memBudgetMB, "mem-budget-mb", 0, "Memory budget in MB across all resident models (0=unlimited)")
	f.IntVar(&opts.memMarginMB, "mem-margin-mb", 0, "Reserved memory margin in MB to keep free")
	f.StringVar(&opts.defaultModel, "default-model", "", "Model id used when a request omits model")
	f.IntVar(&opts.maxQueueDepth, "max-queue-depth", 0, "Per-model queued request limit before 429 (0=default)")
	f.IntVar(&opts.maxWaitSec, "max-wait-sec", 0, "Seconds a request may wait for a slot before 429 (0=default)")
	f.IntVar(&opts.drainTimeoutSec, "drain-timeout-sec", 0, "Seconds Unload waits for in-flight work (0=default)")
	f.Int64Var(&opts.maxBodyBytes, "max-body-bytes", 0, "Request body limit in bytes (0=1MiB)")
	f.Int64Var(&opts.inferTimeoutSec, "infer-timeout-sec", 0, "Per-request generation timeout in seconds (0=off)")
	f.BoolVar(&opts.corsEnabled, "cors", false, "Enable CORS middleware")
	f.StringVar(&opts.corsOrigins, "cors-origins", "", "Comma-separated allowed origins")
	f.StringVar(&opts.corsMethods, "cors-methods", "", "Comma-separated allowed methods")
	f.StringVar(&opts.corsHeaders, "cors-headers", "", "Comma-separated allowed headers")
	f.StringVar(&opts.lruStatePath, "lru-state", "", "File persisting per-model last-used metadata across restarts")
	f.BoolVar(&opts.watch, "watch", false, "Rescan the models directory when checkpoints change")
	f.BoolVar(&opts.noWarmStart, "no-warm-start", false, "Skip preloading the most recently used model")
	return cmd, opts
}

// resolveServeConfig layers flag values over the optional config file.
func resolveServeConfig(cmd *cobra.Command, opts serveOptions) (config.Config, error) {
	var cfg config.Config
	if opts.configPath != "" {
		var err error
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("addr") || cfg.Addr == "" {
		cfg.Addr = opts.addr
		if !flags.Changed("addr") {
			if v := os.Getenv("NGPTD_ADDR"); v != "" {
				cfg.Addr = v
			}
		}
	}
	if flags.Changed("models-dir") || cfg.ModelsDir == "" {
		cfg.ModelsDir = opts.modelsDir
	}
	if flags.Changed("mem-budget-mb") {
		cfg.MemBudgetMB = opts.memBudgetMB
	}
	if flags.Changed("mem-margin-mb") {
		cfg.MemMarginMB = opts.memMarginMB
	}
	if flags.Changed("default-model") {
		cfg.DefaultModel = opts.defaultModel
	}
	if flags.Changed("max-queue-depth") {
		cfg.MaxQueueDepth = opts.maxQueueDepth
	}
	if flags.Changed("max-wait-sec") {
		cfg.MaxWaitSec = opts.maxWaitSec
	}
	if flags.Changed("drain-timeout-sec") {
		cfg.DrainTimeoutSec = opts.drainTimeoutSec
	}
	if flags.Changed("max-body-bytes") {
		cfg.MaxBodyBytes = opts.maxBodyBytes
	}
	if flags.Changed("infer-timeout-sec") {
		cfg.InferTimeoutSec = opts.inferTimeoutSec
	}
	if flags.Changed("cors") {
		cfg.CORSEnabled = opts.corsEnabled
	}
	if flags.Changed("cors-origins") {
		cfg.CORSOrigins = splitCSV(opts.corsOrigins)
	}
	if flags.Changed("cors-methods") {
		cfg.CORSMethods = splitCSV(opts.corsMethods)
	}
	if flags.Changed("cors-headers") {
		cfg.CORSHeaders = splitCSV(opts.corsHeaders)
	}
	if flags.Changed("lru-state") {
		cfg.LRUStatePath = opts.lruStatePath
	}
	if flags.Changed("watch") {
		cfg.Watch = opts.watch
	}
	if flags.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = rootOpts.logLevel
	} else {
		rootOpts.logLevel = cfg.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func fnServe(cfg config.Config, noWarmStart bool) error {
	logger := newLogger()

	scanner := registry.NewCheckpointScanner()
	scanner.Logger = logger
	models, err := scanner.Scan(cfg.ModelsDir)
	if err != nil {
		return err
	}

	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Registry:      models,
		BudgetMB:      cfg.MemBudgetMB,
		MarginMB:      cfg.MemMarginMB,
		DefaultModel:  cfg.DefaultModel,
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       time.Duration(cfg.MaxWaitSec) * time.Second,
		DrainTimeout:  time.Duration(cfg.DrainTimeoutSec) * time.Second,
		Publisher:     manager.NewLogPublisher(logger),
		LRUPath:       cfg.LRUStatePath,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpapi.SetLogger(logger)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetInferTimeoutSeconds(cfg.InferTimeoutSec)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins, cfg.CORSMethods, cfg.CORSHeaders)

	// Preload the checkpoint that served traffic most recently.
	if !noWarmStart {
		if id := mgr.MostRecentModelID(); id != "" {
			go func() {
				if err := mgr.EnsureInstance(ctx, id); err != nil {
					logger.Warn().Str("model", id).Err(err).Msg("warm start failed")
					return
				}
				logger.Info().Str("model", id).Msg("warm start complete")
			}()
		}
	}

	if cfg.Watch {
		w := registry.NewWatcher(cfg.ModelsDir, func(models []types.Model) {
			mgr.SetRegistry(models)
		})
		w.Logger = logger
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("models dir watcher stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("models_dir", cfg.ModelsDir).
			Int("models", len(models)).
			Msg("ngptd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
	if err := mgr.Close(); err != nil {
		logger.Error().Err(err).Msg("manager close error")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
