package main

import (
	"fmt"
	"text/tabwriter"

	"os"

	"github.com/spf13/cobra"

	"github.com/xapiand/xapiand/pkg/clusterdb"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect the local node's view of the cluster",
}

var clusterNodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List nodes registered in the local cluster directory",
	Long: `nodes reads the node directory from the on-disk cluster
database directly -- it does not contact a running node over the
network, so it reflects the last state this data directory saw.`,
	RunE: runClusterNodes,
}

func init() {
	clusterCmd.AddCommand(clusterNodesCmd)
}

func runClusterNodes(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		return fmt.Errorf("--data-dir is required")
	}

	cdb, err := clusterdb.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open cluster db: %w", err)
	}
	defer cdb.Close()

	nodes, err := cdb.ListNodes()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHOST\tPORT\tREGION\tIDX")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n", n.Name, n.Host, n.Port, n.Region, n.Idx)
	}
	return w.Flush()
}
