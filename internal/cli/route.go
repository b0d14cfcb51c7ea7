package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/meshd/internal/domain"
)

func init() {
	routeCmd.Flags().StringVar(&routeSession, "session", "", "Session id to place (required)")
	routeCmd.Flags().StringSliceVar(&routeRegions, "region", nil, "Geo target region, repeatable")
	routeCmd.Flags().IntVar(&routeReplicas, "replicas", 0, "Replication factor (default 3)")
	routeCmd.Flags().BoolVar(&routeJSON, "json", false, "Print the full decision as JSON")
	routeCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(routeCmd)
}

var (
	routeSession  string
	routeRegions  []string
	routeReplicas int
	routeJSON     bool
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Compute a routing decision for one session",
	Example: `  meshd route --session abc --region us-east-1
  meshd route --session abc --region us-east-1,eu-west-1 --replicas 2 --json`,
	RunE: runRoute,
}

func runRoute(cmd *cobra.Command, args []string) error {
	if routeReplicas < 0 {
		return fmt.Errorf("--replicas must not be negative")
	}
	targets := make([]domain.RegionID, 0, len(routeRegions))
	for _, r := range routeRegions {
		id := domain.RegionID(r)
		if !id.IsValid() {
			return fmt.Errorf("unknown region %q (known: %v)", r, domain.AllRegions())
		}
		targets = append(targets, id)
	}

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	decision := d.Router.OptimizeRouting(domain.RoutingRequest{
		SessionID:    routeSession,
		Requirements: domain.Requirements{ReplicationFactor: routeReplicas},
		GeoTargets:   targets,
	})

	out := cmd.OutOrStdout()
	if routeJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	}

	if decision.Primary == nil {
		fmt.Fprintln(out, "No primary available: the mesh is empty.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tNODE\tTIER\tADDRESS\tLOAD")
	printRow := func(role string, n *domain.ProxyNode) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\n", role, n.ID, n.Tier, n.Address(), n.Load(), n.Capacity)
	}
	printRow("primary", decision.Primary)
	for _, r := range decision.Replicas {
		printRow("replica", r)
	}
	for _, n := range decision.Routing.Nodes {
		printRow("routing", n)
	}
	return w.Flush()
}
