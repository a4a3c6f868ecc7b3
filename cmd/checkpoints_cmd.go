package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

func checkpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect process checkpoints",
	}
	cmd.AddCommand(checkpointsListCmd())
	cmd.AddCommand(checkpointsShowCmd())
	return cmd
}

func checkpointsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list [pid]",
		Short: "List a process's checkpoints, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(ctx context.Context, st store.Storage) error {
				infos, err := st.ListCheckpoints(ctx, args[0])
				if err != nil {
					return err
				}
				printCheckpoints(infos, jsonOutput)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func checkpointsShowCmd() *cobra.Command {
	var fromArchive bool
	cmd := &cobra.Command{
		Use:   "show [checkpoint-id | archive-key]",
		Short: "Print a checkpoint in its stable JSON shape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()

			var cp *store.Checkpoint
			if fromArchive {
				arch, err := openArchive(ctx, cfg)
				if err != nil {
					return err
				}
				if arch == nil {
					return fmt.Errorf("--archive needs archive.bucket in the config")
				}
				if cp, err = arch.Fetch(ctx, args[0]); err != nil {
					return err
				}
			} else {
				warnVolatile(cfg)
				st, err := openStorage(ctx, cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				if cp, err = st.LoadCheckpoint(ctx, args[0]); err != nil {
					return err
				}
			}

			data, err := store.MarshalCheckpoint(cp)
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, data, "", "  "); err != nil {
				return err
			}
			fmt.Println(out.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromArchive, "archive", false, "treat the argument as an object key in the checkpoint archive")
	return cmd
}

func printCheckpoints(infos []store.CheckpointInfo, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(infos, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(infos) == 0 {
		fmt.Println("No checkpoints.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headerStyle.Render("ID")+"\tVERSION\tPAGES\tCREATED\tPARENT\tDESCRIPTION")
	for _, c := range infos {
		parent := c.ParentID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n",
			c.ID, c.Version, c.PageCount, c.Timestamp.Local().Format(time.DateTime), parent, oneLine(c.Description, 40))
	}
	tw.Flush()
}
