package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bridgemq/bridgemq/cmd/providers"
	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/job"
)

var meshCmd = cobra.Command{
	Use:   "mesh",
	Short: "Inspect meshes",
}

func init() {
	Cmd.AddCommand(&meshCmd)
}

var meshInfoCmd = cobra.Command{
	Use:   "info <mesh>",
	Short: "Print mesh members and totals",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runMeshInfo),
}

func init() {
	meshCmd.AddCommand(&meshInfoCmd)
}

func runMeshInfo(ctx context.Context, args []string, client *broker.Client) {
	m, err := client.GetMesh(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if m == nil {
		fmt.Fprintln(os.Stderr, "mesh not found")
		os.Exit(1)
	}
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(buf))
}

var meshServersCmd = cobra.Command{
	Use:   "servers <mesh> [capability]...",
	Short: "List live mesh servers, optionally filtered by capability",
	Args:  cobra.MinimumNArgs(1),
	Run:   providers.NewCmd(runMeshServers),
}

func init() {
	meshCmd.AddCommand(&meshServersCmd)
}

func runMeshServers(ctx context.Context, args []string, client *broker.Client) {
	var target *job.Target
	if len(args) > 1 {
		target = &job.Target{Capabilities: args[1:], Mode: job.ModeAll}
	}
	servers, err := client.EligibleServers(ctx, args[0], target)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, s := range servers {
		fmt.Printf("%s stack=%s region=%s load=%d caps=%s\n",
			s.ServerID, s.Stack, s.Region, s.CurrentLoad,
			strings.Join(s.Capabilities, ","))
	}
}

var meshPendingCmd = cobra.Command{
	Use:   "pending <mesh>",
	Short: "Print the mesh's pending job count",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runMeshPending),
}

func init() {
	meshCmd.AddCommand(&meshPendingCmd)
}

func runMeshPending(ctx context.Context, args []string, client *broker.Client) {
	count, err := client.PendingCount(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(count)
}

var meshDepthCmd = cobra.Command{
	Use:   "depth <mesh> <type> <priority>",
	Short: "Print the depth of one priority queue",
	Args:  cobra.ExactArgs(3),
	Run:   providers.NewCmd(runMeshDepth),
}

func init() {
	meshCmd.AddCommand(&meshDepthCmd)
}

func runMeshDepth(ctx context.Context, args []string, client *broker.Client) {
	priority, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid priority:", args[2])
		os.Exit(1)
	}
	depth, err := client.QueueDepth(ctx, args[0], args[1], priority)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(depth)
}
