package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentos/internal/config"
	"github.com/nextlevelbuilder/agentos/internal/kernel"
	"github.com/nextlevelbuilder/agentos/internal/store"
)

func submitCmd() *cobra.Command {
	var (
		queue      string
		priority   int
		parent     string
		meta       []string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "submit [name] [task]",
		Short: "Enqueue a spawn request for a running kernel to claim",
		Long: `Enqueue a spawn request on the kernel's coordination queue. A kernel
started with kernel.spawn_queue set claims it and spawns the process.
Requests are claimed in priority order, smaller first.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q := queue
			if q == "" {
				q = cfg.Kernel.SpawnQueue
			}
			if q == "" {
				return fmt.Errorf("no queue: pass --queue or set kernel.spawn_queue")
			}
			q = config.NormalizeName(q)

			req := kernel.SpawnRequest{Name: args[0], Task: args[1], Priority: priority, ParentID: parent}
			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf(`--meta %q: want "key=value"`, kv)
				}
				if req.Metadata == nil {
					req.Metadata = make(map[string]string)
				}
				req.Metadata[k] = v
			}
			payload, err := json.Marshal(req)
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

			id, err := st.EnqueueTask(ctx, q, priority, payload)
			if err != nil {
				return err
			}
			if jsonOutput {
				printResult(map[string]string{"task_id": id, "queue": q}, nil)
				return nil
			}
			fmt.Printf("%s %s on %s\n", okStyle.Render("queued"), id, q)
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue name (default kernel.spawn_queue)")
	cmd.Flags().IntVar(&priority, "priority", store.DefaultPriority, "process priority, smaller is more urgent")
	cmd.Flags().StringVar(&parent, "parent", "", "parent process id")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, `process metadata "key=value" (repeatable)`)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the result as a JSON frame")
	return cmd
}
