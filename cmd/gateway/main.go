package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/config"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/memory"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/metrics"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/recall"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/sandbox"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/server"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/shaper"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/tools"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "setup-network" {
		if err := runSetupNetwork(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "setup-network failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}

	db, err := metrics.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	metricsStore := metrics.NewStore(db, cfg.DatabasePath)
	if err := metricsStore.Init(ctx); err != nil {
		return fmt.Errorf("init metrics store: %w", err)
	}
	memStore := memory.NewStore(db, cfg.MaxMemoryChars)
	if err := memStore.Init(ctx); err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}
	recallStore := recall.NewStore(db)
	if err := recallStore.Init(ctx); err != nil {
		return fmt.Errorf("init recall store: %w", err)
	}
	recallMgr := recall.NewManager(recallStore, cfg.DataDir, func(apiKey string) recall.VectorClient {
		return recall.NewOpenAIVectorClient(apiKey, "", cfg.VectorTimeout)
	})

	var sandboxes *sandbox.Manager
	if cfg.SandboxDisabled {
		slog.Info("sandbox subsystem disabled")
	} else {
		sbCfg := sandboxConfig(cfg)
		rt, err := sandbox.NewDockerRuntime(sbCfg)
		if err != nil {
			return fmt.Errorf("sandbox runtime: %w", err)
		}
		sandboxes, err = sandbox.NewManager(ctx, sbCfg, rt)
		if err != nil {
			return fmt.Errorf("sandbox manager: %w", err)
		}
		sandboxes.StartSweeper(ctx)
	}

	collectors := metrics.NewCollectors()
	recorder := metrics.NewRecorder(metricsStore, collectors)
	defer recorder.Close()

	toolDeps := tools.Deps{
		Memory: memStore,
		Recall: recallMgr,
		Image: tools.ImageConfig{
			StepsMin:     cfg.ImageStepsMin,
			StepsMax:     cfg.ImageStepsMax,
			OutputDir:    cfg.ImageOutputDir,
			PublicDomain: cfg.PublicDomain,
		},
	}
	if sandboxes != nil {
		toolDeps.Sandbox = sandboxes
	}
	registry := tools.NewRegistry(toolDeps)

	srv := server.New(server.Deps{
		Config:   cfg,
		Registry: registry,
		Shaper: &shaper.Shaper{
			Tok:                  shaper.NewTiktoken(),
			MaxInputTokens:       cfg.MaxInputTokens,
			MaxUserMessageTokens: cfg.MaxUserMessageTokens,
			CompactionThreshold:  cfg.CompactionTokenThreshold,
			MaxSummaryTokens:     cfg.CompactionMaxSummaryTokens,
			KeepTurns:            cfg.CompactionKeepTurns,
		},
		Memories:   memStore,
		Recall:     recallMgr,
		Sandboxes:  sandboxes,
		Recorder:   recorder,
		Metrics:    metricsStore,
		Collectors: collectors,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gateway listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "grace", cfg.ShutdownGracePeriod)
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	if sandboxes != nil {
		g.Go(func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					collectors.SandboxInstances.Set(float64(sandboxes.Count()))
				}
			}
		})
	}

	err = g.Wait()

	if sandboxes != nil {
		// Containers go, workspaces stay on disk for the next session.
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		sandboxes.Shutdown(sctx)
		cancel()
	}
	return err
}

func runSetupNetwork(args []string) error {
	cfg := config.Load()
	fs := flag.NewFlagSet("setup-network", flag.ExitOnError)
	name := fs.String("name", cfg.SandboxNetwork, "bridge network name")
	subnet := fs.String("subnet", "172.30.0.0/16", "bridge subnet in CIDR form")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created, err := sandbox.SetupNetwork(ctx, *name, *subnet)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("created bridge network %q with subnet %s\n", *name, *subnet)
	} else {
		fmt.Printf("bridge network %q already exists\n", *name)
	}

	fmt.Printf(`
Apply these host firewall rules so sandboxed code cannot reach private
networks or the cloud metadata endpoint:

  sudo iptables -I DOCKER-USER -s %[1]s -d 10.0.0.0/8     -j DROP
  sudo iptables -I DOCKER-USER -s %[1]s -d 172.16.0.0/12  -j DROP
  sudo iptables -I DOCKER-USER -s %[1]s -d 192.168.0.0/16 -j DROP
  sudo iptables -I DOCKER-USER -s %[1]s -d 169.254.0.0/16 -j DROP
  sudo iptables -I DOCKER-USER -s %[1]s -d 127.0.0.0/8    -j DROP
`, *subnet)
	return nil
}

func sandboxConfig(cfg config.Config) sandbox.Config {
	return sandbox.Config{
		Image:         cfg.SandboxImage,
		Network:       cfg.SandboxNetwork,
		Memory:        cfg.SandboxMemory,
		CPUs:          cfg.SandboxCPUs,
		Pids:          cfg.SandboxPids,
		ExecTimeout:   cfg.SandboxExecTimeout,
		IdleTTL:       cfg.SandboxIdleTTL,
		SweepInterval: cfg.SandboxSweepEvery,
		OutputCap:     cfg.SandboxOutputCap,
		DataDir:       cfg.DataDir,
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
