package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/limiquantix/placement/internal/domain"
	"github.com/limiquantix/placement/internal/registry"
)

func init() {
	rootCmd.AddCommand(newHostsCmd())
}

func newHostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "Show the free nodes grouped by host",
		Long: `The hosts command prints the host index: every host that still has
free nodes, in index order, followed by registry totals.

Example:
  placectl hosts
  placectl hosts --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHosts()
		},
	}
}

type hostsResponse struct {
	Hosts []domain.HostGroup `json:"hosts"`
	Stats registry.Stats     `json:"stats"`
}

func runHosts() error {
	var resp hostsResponse
	if err := call("GET", "/api/v1/hosts", nil, &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tFREE\tNODES")
	for _, h := range resp.Hosts {
		fmt.Fprintf(w, "%s\t%d\t%s\n", h.Host, len(h.NodeIDs), strings.Join(h.NodeIDs, ","))
	}
	w.Flush()

	fmt.Printf("\n%d nodes on %d hosts: %d free, %d busy, %d allocations\n",
		resp.Stats.Nodes, resp.Stats.Hosts, resp.Stats.Free, resp.Stats.Busy, resp.Stats.Allocations)
	return nil
}
