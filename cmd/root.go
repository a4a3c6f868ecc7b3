// Package cmd is the agentos operator CLI: it boots the kernel from a config
// file and inspects the state it persisted.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentos/internal/contextmgr"
	"github.com/nextlevelbuilder/agentos/internal/kernel"
	"github.com/nextlevelbuilder/agentos/internal/quota"
	"github.com/nextlevelbuilder/agentos/internal/scheduler"
	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/pkg/protocol"
)

var (
	cfgFile  string
	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:           "agentos",
	Short:         "Agent OS kernel: scheduled, quota-limited, checkpointed agent processes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel, logJSON)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $AGENTOS_CONFIG or agentos.json5)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON lines")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(checkpointsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the CLI and exits non-zero on error. Commands run with
// --json report failures as a result frame on stdout.
func Execute() {
	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return
	}
	if f := cmd.Flags().Lookup("json"); f != nil && f.Value.String() == "true" {
		printResult(nil, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	os.Exit(1)
}

// printResult writes a result frame for payload, or for err when non-nil.
func printResult(payload any, err error) {
	frame := protocol.NewOKResult(payload)
	if err != nil {
		code, retryable := errorCode(err)
		frame = protocol.NewErrorResult(code, err.Error(), retryable)
	}
	data, _ := json.Marshal(frame)
	fmt.Println(string(data))
}

// errorCode maps the sentinel errors of the kernel packages onto wire codes.
func errorCode(err error) (code string, retryable bool) {
	switch {
	case errors.Is(err, store.ErrStorageUnavailable):
		return protocol.ErrUnavailable, true
	case errors.Is(err, quota.ErrQuotaExceeded), errors.Is(err, contextmgr.ErrMemoryExhausted):
		return protocol.ErrResourceExhausted, true
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scheduler.ErrProcessNotFound),
		errors.Is(err, kernel.ErrCheckpointNotFound):
		return protocol.ErrNotFound, false
	case errors.Is(err, store.ErrCheckpointExists):
		return protocol.ErrAlreadyExists, false
	case errors.Is(err, scheduler.ErrIllegalTransition), errors.Is(err, kernel.ErrNotSuspended),
		errors.Is(err, scheduler.ErrShutdown):
		return protocol.ErrFailedPrecondition, false
	case errors.Is(err, store.ErrQueueEmpty):
		return protocol.ErrNotFound, true
	}
	return protocol.ErrInternal, false
}

func setupLogging(level string, asJSON bool) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if asJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
