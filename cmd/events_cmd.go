package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentos/internal/config"
	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/pkg/protocol"
)

func eventsCmd() *cobra.Command {
	var (
		channel    string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream kernel lifecycle events until interrupted",
		Long: `Subscribe to the kernel's event channel and print each event.
Events cross process boundaries only on the postgres backend or with
storage.redis_addr set; the sqlite and memory backends deliver in process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			warnVolatile(cfg)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			p := &eventPrinter{w: os.Stdout, json: jsonOutput}
			unsubscribe, err := st.SubscribeEvents(ctx, config.NormalizeName(channel), p.print)
			if err != nil {
				return err
			}
			defer unsubscribe()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", protocol.EventsChannel, "event channel")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON event frames, one per line")
	return cmd
}

// eventPrinter numbers events in arrival order. Backends may deliver from
// more than one goroutine.
type eventPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
	seq  int64
}

func (p *eventPrinter) print(ev store.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	if p.json {
		frame := protocol.NewEvent(ev.Type, ev.OwnerID, ev.Payload)
		frame.Seq = p.seq
		data, _ := json.Marshal(frame)
		fmt.Fprintln(p.w, string(data))
		return
	}
	pid := ev.OwnerID
	if pid == "" {
		pid = "-"
	}
	fmt.Fprintf(p.w, "%s  %-20s %s  %s\n",
		ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, pid, oneLine(string(ev.Payload), 80))
}
