package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/meshd/internal/infra/ring"
)

func init() {
	lookupCmd.Flags().IntVarP(&lookupN, "owners", "n", 1, "Number of distinct owners to walk clockwise")
	rootCmd.AddCommand(lookupCmd)
}

var lookupN int

var lookupCmd = &cobra.Command{
	Use:   "lookup KEY",
	Short: "Show which nodes own a key on the hash ring",
	Args:  cobra.ExactArgs(1),
	RunE:  runLookup,
}

func runLookup(cmd *cobra.Command, args []string) error {
	if lookupN < 1 {
		return fmt.Errorf("--owners must be at least 1")
	}
	key := args[0]

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	owners, err := d.Router.LookupN(key, lookupN)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "key %q hashes to %d\n", key, ring.Hash(key))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tNODE\tTIER\tADDRESS")
	for i, n := range owners {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i, n.ID, n.Tier, n.Address())
	}
	return w.Flush()
}
