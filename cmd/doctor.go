package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentos/internal/config"
	"github.com/nextlevelbuilder/agentos/internal/kernel"
	"github.com/nextlevelbuilder/agentos/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and storage health",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !runDoctor() {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}
}

func runDoctor() bool {
	healthy := true
	fmt.Println(headerStyle.Render("agentos doctor"))
	fmt.Printf("  Version:  %s\n", kernel.Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(warnStyle.Render(" (not found, using defaults)"))
	} else {
		fmt.Println(okStyle.Render(" (OK)"))
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  %s %s\n", errStyle.Render("Config load error:"), err)
		return false
	}
	if _, err := cfg.KernelConfig(); err != nil {
		fmt.Printf("  %s %s\n", errStyle.Render("Kernel settings:"), err)
		healthy = false
	}

	fmt.Println()
	fmt.Println("  Storage:")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	healthy = checkStorage(ctx, cfg) && healthy

	fmt.Println()
	fmt.Println("  Archive:")
	if !cfg.Archive.Enabled() {
		fmt.Println("    disabled")
	} else if _, err := openArchive(ctx, cfg); err != nil {
		fmt.Printf("    %-14s %s\n", cfg.Archive.Bucket, errStyle.Render(err.Error()))
		healthy = false
	} else {
		fmt.Printf("    %-14s %s\n", cfg.Archive.Bucket, okStyle.Render("configured"))
	}

	fmt.Println()
	fmt.Println("  Telemetry:")
	if cfg.Telemetry.Enabled {
		fmt.Printf("    %s via %s (needs a binary built with -tags otel)\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	} else {
		fmt.Println("    disabled")
	}
	return healthy
}

// checkStorage opens the backends and round-trips a lock, which exercises
// the coordination role wherever it is routed.
func checkStorage(ctx context.Context, cfg *config.Config) bool {
	fmt.Printf("    %-14s %s\n", "backend", cfg.Storage.Backend)
	if cfg.Storage.RedisAddr != "" {
		fmt.Printf("    %-14s %s\n", "coordination", "redis "+cfg.Storage.RedisAddr)
	}
	st, err := openStorage(ctx, cfg)
	if err != nil {
		fmt.Printf("    %-14s %s\n", "open", errStyle.Render(err.Error()))
		return false
	}
	defer st.Close()

	holder := "doctor-" + store.NewID()
	ok, err := st.AcquireLock(ctx, "agentos.doctor", holder, 5*time.Second)
	switch {
	case err != nil:
		fmt.Printf("    %-14s %s\n", "lock", errStyle.Render(err.Error()))
		return false
	case !ok:
		fmt.Printf("    %-14s %s\n", "lock", warnStyle.Render("held by another doctor run"))
	default:
		if err := st.ReleaseLock(ctx, "agentos.doctor", holder); err != nil {
			fmt.Printf("    %-14s %s\n", "unlock", errStyle.Render(err.Error()))
			return false
		}
		fmt.Printf("    %-14s %s\n", "lock", okStyle.Render("OK"))
	}
	return true
}
