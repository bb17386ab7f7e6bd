package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/strongloop-forks/node-botnet/cluster"
)

func init() {
	rootCmd.AddCommand(updateCmd)
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Measure the time for an update to propagate to all bots in the cluster",
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

		node, err := c.AddNode()
		if err != nil {
			return fmt.Errorf("failed to add node: %w", err)
		}

		start := time.Now()
		if err := node.Bot.Set("foo", "bar"); err != nil {
			return err
		}
		if err = c.WaitToUpdate(ctx, node.Bot.SessionID(), "foo", "bar"); err != nil {
			return fmt.Errorf("timed out waiting for update to propagate: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "update propagated to %d bots in %s\n", nodes+1, time.Since(start))
		return nil
	},
}
