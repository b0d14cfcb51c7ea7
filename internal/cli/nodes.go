package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/meshd/internal/domain"
)

func init() {
	nodesCmd.Flags().StringVar(&nodesTier, "tier", "", "Only list nodes of this tier")
	rootCmd.AddCommand(nodesCmd)
}

var nodesTier string

var nodesCmd = &cobra.Command{
	Use:     "nodes",
	Aliases: []string{"ls"},
	Short:   "List the mesh's proxy nodes",
	RunE:    runNodes,
}

func runNodes(cmd *cobra.Command, args []string) error {
	var tier domain.Tier
	if nodesTier != "" {
		t, err := domain.ParseTier(nodesTier)
		if err != nil {
			return err
		}
		tier = t
	}

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	nodes := d.Router.Nodes()
	out := cmd.OutOrStdout()
	if len(nodes) == 0 {
		fmt.Fprintln(out, "No nodes configured. Add [[mesh.tiers]] entries to the config.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIER\tADDRESS\tLOCATION\tCAPACITY\tVNODES\tBREAKER")
	for _, n := range nodes {
		if tier != "" && n.Tier != tier {
			continue
		}
		snap, _ := d.Router.Breaker(n.ID)
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f,%.2f\t%d\t%d\t%s\n",
			n.ID,
			n.Tier,
			n.Address(),
			n.Location.Latitude, n.Location.Longitude,
			n.Capacity,
			len(n.VNodes),
			snap.State,
		)
	}
	return w.Flush()
}
