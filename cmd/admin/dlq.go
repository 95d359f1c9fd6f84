package admin

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bridgemq/bridgemq/cmd/providers"
	"github.com/bridgemq/bridgemq/pkg/broker"
)

var dlqCmd = cobra.Command{
	Use:   "dlq",
	Short: "Manage dead-letter queues",
}

func init() {
	Cmd.AddCommand(&dlqCmd)
}

var dlqListCmd = cobra.Command{
	Use:   "list <mesh>",
	Short: "List dead-lettered jobs",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runDLQList),
}

func init() {
	dlqCmd.AddCommand(&dlqListCmd)
}

func runDLQList(ctx context.Context, args []string, client *broker.Client) {
	jobs, err := client.DLQJobs(ctx, args[0], 0, 100)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, id := range jobs {
		fmt.Println(id)
	}
}

var dlqRequeueCmd = cobra.Command{
	Use:   "requeue <mesh> <job-id>",
	Short: "Move a dead-lettered job back to pending",
	Args:  cobra.ExactArgs(2),
	Run:   providers.NewCmd(runDLQRequeue),
}

func init() {
	dlqCmd.AddCommand(&dlqRequeueCmd)
}

func runDLQRequeue(ctx context.Context, args []string, client *broker.Client) {
	if err := client.RequeueDLQ(ctx, args[0], args[1]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("OK")
}
