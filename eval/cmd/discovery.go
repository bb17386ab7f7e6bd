package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/strongloop-forks/node-botnet/cluster"
)

func init() {
	rootCmd.AddCommand(discoveryCmd)
}

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Measure the time for bots in the cluster to discover a new bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := cluster.NewCluster(newLogger())
		defer c.Shutdown()

		if err := c.AddNodes(nodes); err != nil {
			return fmt.Errorf("failed to add nodes: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if err := c.WaitForHealthy(ctx); err != nil {
			return fmt.Errorf("timed out waiting for cluster to become healthy: %w", err)
		}

		start := time.Now()
		node, err := c.AddNode()
		if err != nil {
			return fmt.Errorf("failed to add node: %w", err)
		}
		if err = c.WaitToDiscover(ctx, node.Bot.SessionID()); err != nil {
			return fmt.Errorf("timed out waiting for cluster to discover node: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "discovered by %d bots in %s\n", nodes, time.Since(start))
		return nil
	},
}
