package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bridgemq/bridgemq/cmd/providers"
	"github.com/bridgemq/bridgemq/pkg/broker"
)

var jobCmd = cobra.Command{
	Use:   "job",
	Short: "Inspect and manage jobs",
}

func init() {
	Cmd.AddCommand(&jobCmd)
}

var jobGetCmd = cobra.Command{
	Use:   "get <job-id>",
	Short: "Print a job record",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runJobGet),
}

func init() {
	jobCmd.AddCommand(&jobGetCmd)
}

func runJobGet(ctx context.Context, args []string, client *broker.Client) {
	j, err := client.GetJob(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	buf, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(buf))
}

var jobCancelCmd = cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or scheduled job",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runJobCancel),
}

func init() {
	jobCmd.AddCommand(&jobCancelCmd)
}

func runJobCancel(ctx context.Context, args []string, client *broker.Client) {
	if err := client.CancelJob(ctx, args[0]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

var jobErrorsCmd = cobra.Command{
	Use:   "errors <job-id>",
	Short: "Print a job's error history",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runJobErrors),
}

func init() {
	jobCmd.AddCommand(&jobErrorsCmd)
}

func runJobErrors(ctx context.Context, args []string, client *broker.Client) {
	history, err := client.GetErrors(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, entry := range history {
		fmt.Printf("[%d] attempt=%d code=%d %s\n",
			entry.Timestamp, entry.Attempt, entry.Code, entry.Message)
	}
}
