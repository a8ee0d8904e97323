package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/limiquantix/placement/internal/domain"
	"github.com/limiquantix/placement/internal/server"
)

func init() {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Manage the node inventory",
	}
	cmd.AddCommand(newNodesListCmd(), newNodesAddCmd(), newNodesRemoveCmd())
	rootCmd.AddCommand(cmd)
}

func newNodesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Nodes []domain.Node `json:"nodes"`
			}
			if err := call("GET", "/api/v1/nodes", nil, &resp); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(resp)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHOST\tSTATE\tALLOCATION\tLABELS")
			for _, n := range resp.Nodes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Host, n.State, n.AllocationID, formatLabels(n.Labels))
			}
			return w.Flush()
		},
	}
}

func newNodesAddCmd() *cobra.Command {
	var labels []string
	cmd := &cobra.Command{
		Use:   "add <id> <host>",
		Short: "Register a node",
		Long: `The add command registers a free node under a host.

Example:
  placectl nodes add host6-node-0 host6 --label zone=zone-d --label gpu=true`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := server.NodeRequest{ID: args[0], Host: args[1], Labels: map[string]string{}}
			for _, l := range labels {
				k, v, _ := strings.Cut(l, "=")
				if k == "" {
					return fmt.Errorf("invalid label %q", l)
				}
				req.Labels[k] = v
			}

			var node domain.Node
			if err := call("POST", "/api/v1/nodes", req, &node); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(node)
			}
			fmt.Printf("Registered %s on %s\n", node.ID, node.Host)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&labels, "label", "l", nil, "Node label as key=value (repeatable)")
	return cmd
}

func newNodesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Deregister a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call("DELETE", "/api/v1/nodes/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		},
	}
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + labels[k]
	}
	return strings.Join(parts, ",")
}
