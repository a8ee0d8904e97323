package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/limiquantix/placement/internal/domain"
	"github.com/limiquantix/placement/internal/server"
)

// criteriaFlags holds the flags shared by allocate and feasibility.
type criteriaFlags struct {
	topology   string
	blacklist  []string
	acceptable []string
	bestEffort bool
	scripts    []string
	dynamic    bool
	requester  string
}

func (f *criteriaFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.topology, "topology", "t", string(domain.TopologyArbitrary),
		"Host topology: "+topologyNames())
	cmd.Flags().StringSliceVar(&f.blacklist, "blacklist", nil, "Node IDs that must not be selected")
	cmd.Flags().StringSliceVar(&f.acceptable, "acceptable", nil, "Restrict selection to these node IDs")
	cmd.Flags().BoolVar(&f.bestEffort, "best-effort", false, "Accept fewer nodes than requested")
	cmd.Flags().StringArrayVar(&f.scripts, "script", nil, "Selection script file (repeatable)")
	cmd.Flags().BoolVar(&f.dynamic, "dynamic", false, "Mark selection scripts as dynamic (never cached)")
	cmd.Flags().StringVar(&f.requester, "requester", "", "Name recorded with the request")
}

func (f *criteriaFlags) request(count int) (server.CriteriaRequest, error) {
	req := server.CriteriaRequest{
		Count:      count,
		Topology:   f.topology,
		Blacklist:  f.blacklist,
		Acceptable: f.acceptable,
		BestEffort: f.bestEffort,
		Requester:  f.requester,
	}
	for _, path := range f.scripts {
		content, err := os.ReadFile(path)
		if err != nil {
			return req, fmt.Errorf("failed to read script: %w", err)
		}
		req.Scripts = append(req.Scripts, server.ScriptRequest{
			Name:    path,
			Content: string(content),
			Dynamic: f.dynamic,
		})
	}
	return req, nil
}

func topologyNames() string {
	names := make([]string, len(domain.Topologies))
	for i, t := range domain.Topologies {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

type allocationResponse struct {
	Satisfied bool `json:"satisfied"`
	domain.NodeSet
}

func init() {
	rootCmd.AddCommand(newAllocateCmd())
	rootCmd.AddCommand(newReleaseCmd())
	rootCmd.AddCommand(newShowCmd())
	rootCmd.AddCommand(newFeasibilityCmd())
}

func newAllocateCmd() *cobra.Command {
	var flags criteriaFlags
	cmd := &cobra.Command{
		Use:   "allocate <count>",
		Short: "Reserve a set of nodes",
		Long: `The allocate command reserves nodes matching the criteria. With an
exclusive topology the count may be met with extra nodes that are held
by the allocation but not handed out.

Example:
  placectl allocate 3 --topology SINGLE_HOST
  placectl allocate 2 --topology DIFFERENT_HOSTS_EXCLUSIVE --script gpu.rules
  placectl allocate 8 --best-effort --blacklist host4-node-0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := parseCount(args[0])
			if err != nil {
				return err
			}
			req, err := flags.request(count)
			if err != nil {
				return err
			}
			return runAllocate(req)
		},
	}
	flags.register(cmd)
	return cmd
}

func runAllocate(req server.CriteriaRequest) error {
	var resp allocationResponse
	if err := call("POST", "/api/v1/allocations", req, &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}
	if resp.Empty() {
		fmt.Println("No allocation: not enough nodes satisfy the request")
		return nil
	}
	printAllocation(resp)
	return nil
}

func newReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <allocation-id>",
		Short: "Free every node of an allocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				ID    string `json:"id"`
				Freed int    `json:"freed"`
			}
			if err := call("DELETE", "/api/v1/allocations/"+args[0], nil, &resp); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(resp)
			}
			fmt.Printf("Released %s: %d nodes freed\n", resp.ID, resp.Freed)
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <allocation-id>",
		Short: "Show the nodes currently held by an allocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp allocationResponse
			if err := call("GET", "/api/v1/allocations/"+args[0], nil, &resp); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(resp)
			}
			printAllocation(resp)
			return nil
		},
	}
}

func newFeasibilityCmd() *cobra.Command {
	var flags criteriaFlags
	cmd := &cobra.Command{
		Use:   "feasibility <count>",
		Short: "Count the free nodes that could serve a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := parseCount(args[0])
			if err != nil {
				return err
			}
			req, err := flags.request(count)
			if err != nil {
				return err
			}
			var resp struct {
				Candidates int `json:"candidates"`
			}
			if err := call("POST", "/api/v1/feasibility", req, &resp); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(resp)
			}
			fmt.Printf("%d candidate nodes\n", resp.Candidates)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printAllocation(resp allocationResponse) {
	fmt.Printf("Allocation %s (%s, %d requested, satisfied=%t)\n",
		resp.ID, resp.Topology, resp.Requested, resp.Satisfied)
	for _, n := range resp.Selected {
		fmt.Printf("  selected  %-20s %s\n", n.ID, n.Host)
	}
	for _, n := range resp.Extra {
		fmt.Printf("  extra     %-20s %s\n", n.ID, n.Host)
	}
}

func parseCount(s string) (int, error) {
	var count int
	if _, err := fmt.Sscanf(s, "%d", &count); err != nil || count <= 0 {
		return 0, fmt.Errorf("count must be a positive integer, got %q", s)
	}
	return count, nil
}
