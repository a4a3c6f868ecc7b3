package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentos/internal/config"
	"github.com/nextlevelbuilder/agentos/internal/kernel"
	"github.com/nextlevelbuilder/agentos/internal/store"
)

func runCmd() *cobra.Command {
	var (
		spawns   []string
		steps    int
		priority int
		watch    bool
		maxIter  int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the kernel and schedule agent processes until interrupted",
		Long: `Boot the kernel from the config file and run the scheduling loop.

Processes come from --spawn flags and, when kernel.spawn_queue is set, from
requests enqueued with "agentos submit". Without a model executor wired in,
each process runs --steps echo steps and completes.

On SIGINT or SIGTERM the kernel checkpoints every active process, flushes
dirty context pages and closes storage.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := parseSpawns(spawns, priority)
			if err != nil {
				return err
			}
			return runKernel(cmd.Context(), reqs, steps, maxIter, watch)
		},
	}
	cmd.Flags().StringArrayVar(&spawns, "spawn", nil, `spawn a process at boot, as "name=task" (repeatable)`)
	cmd.Flags().IntVar(&steps, "steps", 3, "echo steps per process before it completes (0 = never)")
	cmd.Flags().IntVar(&priority, "priority", store.DefaultPriority, "priority of --spawn processes, smaller is more urgent")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload quota, scheduler and context settings when the config file changes")
	cmd.Flags().IntVar(&maxIter, "max-iterations", 0, "stop after this many loop iterations (overrides kernel.max_iterations)")
	return cmd
}

func parseSpawns(specs []string, priority int) ([]kernel.SpawnRequest, error) {
	reqs := make([]kernel.SpawnRequest, 0, len(specs))
	for _, s := range specs {
		name, task, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(task) == "" {
			return nil, fmt.Errorf(`--spawn %q: want "name=task"`, s)
		}
		reqs = append(reqs, kernel.SpawnRequest{
			Name:     strings.TrimSpace(name),
			Task:     strings.TrimSpace(task),
			Priority: priority,
		})
	}
	return reqs, nil
}

func runKernel(parent context.Context, reqs []kernel.SpawnRequest, steps, maxIter int, watch bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	kcfg, err := cfg.KernelConfig()
	if err != nil {
		return err
	}
	if maxIter > 0 {
		kcfg.MaxIterations = maxIter
	}

	shutdownOTel := initOTel(ctx, cfg)

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	opts := []kernel.Option{kernel.WithExecutor(kernel.EchoExecutor{Steps: steps})}
	arch, err := openArchive(ctx, cfg)
	if err != nil {
		st.Close()
		return err
	}
	if arch != nil {
		opts = append(opts, kernel.WithArchiver(arch))
	}

	k, err := kernel.New(kcfg, st, opts...)
	if err != nil {
		st.Close()
		return err
	}

	if watch {
		if w := watchConfig(cfgPath, k, maxIter); w != nil {
			defer w.Stop()
		}
	}

	for _, req := range reqs {
		pid, err := k.Spawn(ctx, req)
		if err != nil {
			slog.Error("spawn failed", "name", req.Name, "error", err)
			continue
		}
		fmt.Printf("spawned %s %s\n", headerStyle.Render(req.Name), pid)
	}

	slog.Info("kernel running", "id", k.ID(), "config", cfgPath, "backend", cfg.Storage.Backend)
	runErr := k.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run loop stopped", "error", runErr)
	}

	// Shutdown gets a fresh context: ctx is already cancelled on a signal.
	sctx, cancel := context.WithTimeout(context.Background(), kcfg.ShutdownTimeout+10*time.Second)
	defer cancel()
	shutdownErr := k.Shutdown(sctx)
	if err := shutdownOTel(sctx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}

	stats := k.Stats()
	fmt.Printf("%s steps=%d tokens=%d errors=%d panics=%d archived=%d\n",
		headerStyle.Render("kernel stopped"),
		stats.TotalSteps, stats.TotalTokens, stats.StepErrors, stats.Panics, stats.Archived)
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// watchConfig applies config file edits to the live kernel. Failures to
// watch are logged; the kernel runs with its boot settings.
func watchConfig(path string, k *kernel.Kernel, maxIter int) *config.Watcher {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("config watch disabled", "error", err)
		return nil
	}
	w.OnChange(func(cfg *config.Config) {
		kc, err := cfg.KernelConfig()
		if err != nil {
			slog.Error("config reload rejected", "error", err)
			return
		}
		if maxIter > 0 {
			kc.MaxIterations = maxIter
		}
		k.Reconfigure(kc)
	})
	if err := w.Start(); err != nil {
		slog.Warn("config watch disabled", "error", err)
		w.Stop()
		return nil
	}
	return w
}
