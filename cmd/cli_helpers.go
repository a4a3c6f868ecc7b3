package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nextlevelbuilder/agentos/internal/config"
	"github.com/nextlevelbuilder/agentos/internal/store/archive"
	"github.com/nextlevelbuilder/agentos/internal/store/composite"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func resolveConfigPath() string {
	return config.ResolvePath(cfgFile)
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// openStorage opens the configured backends. Callers own the Close.
func openStorage(ctx context.Context, cfg *config.Config) (*composite.Store, error) {
	st, err := composite.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("open storage (%s): %w", cfg.Storage.Backend, err)
	}
	return st, nil
}

// openArchive returns nil when no archive bucket is configured.
func openArchive(ctx context.Context, cfg *config.Config) (*archive.Archiver, error) {
	if !cfg.Archive.Enabled() {
		return nil, nil
	}
	a, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	slog.Info("checkpoint archive enabled", "bucket", cfg.Archive.Bucket, "prefix", cfg.Archive.Prefix)
	return a, nil
}

// warnVolatile notes that inspection commands cannot see a memory backend
// owned by another process.
func warnVolatile(cfg *config.Config) {
	if !cfg.StoreConfig().IsDurable() {
		fmt.Fprintln(os.Stderr, warnStyle.Render("note: storage backend is in-memory; nothing persisted by `agentos run` is visible here"))
	}
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
