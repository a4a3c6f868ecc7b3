package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

func auditCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "audit [pid]",
		Short: "Show a process's audit trail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(ctx context.Context, st store.Storage) error {
				entries, err := st.GetAuditTrail(ctx, args[0], limit)
				if err != nil {
					return err
				}
				printAudit(entries, jsonOutput)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries (0 = all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func replayCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "replay [pid] [checkpoint-id]",
		Short: "List the actions a process took after a checkpoint, oldest first",
		Long: `List the audit entries logged strictly after the checkpoint was taken.
Without a checkpoint id, or with one that is unknown, the whole history is listed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from := ""
			if len(args) == 2 {
				from = args[1]
			}
			return withStorage(func(ctx context.Context, st store.Storage) error {
				entries, err := st.ReplayActions(ctx, args[0], from)
				if err != nil {
					return err
				}
				printAudit(entries, jsonOutput)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func withStorage(fn func(ctx context.Context, st store.Storage) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	warnVolatile(cfg)
	ctx := context.Background()
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func printAudit(entries []store.AuditEntry, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headerStyle.Render("TIME")+"\tACTION\tTOKENS\tDURATION\tDETAIL")
	for _, e := range entries {
		detail := e.Output
		if detail == "" {
			detail = e.Reasoning
		}
		if detail == "" && len(e.Metadata) > 0 {
			data, _ := json.Marshal(e.Metadata)
			detail = string(data)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.ActionType, e.TokensUsed,
			e.Duration.Round(time.Millisecond), oneLine(detail, 60))
	}
	tw.Flush()
}
