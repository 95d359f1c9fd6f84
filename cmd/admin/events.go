package admin

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bridgemq/bridgemq/cmd/providers"
	"github.com/bridgemq/bridgemq/pkg/events"
)

var eventsCmd = cobra.Command{
	Use:   "events [pattern]",
	Short: "Tail lifecycle events",
	Long: "Streams broker events to stdout until interrupted.\n" +
		"Accepts a channel glob pattern, defaulting to the global channel.",
	Args: cobra.MaximumNArgs(1),
	Run:  providers.NewCmd(runEvents),
}

func init() {
	Cmd.AddCommand(&eventsCmd)
}

func runEvents(ctx context.Context, args []string, bus *events.Bus) {
	pattern := bus.Keys.EventsGlobal()
	if len(args) > 0 {
		pattern = args[0]
	}
	sub, err := bus.SubscribePattern(ctx, pattern)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer sub.Close()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-interrupt:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			fmt.Printf("%s %s job=%s mesh=%s server=%s\n",
				ev.Channel, ev.Event, ev.JobID, ev.MeshID, ev.ServerID)
		}
	}
}
