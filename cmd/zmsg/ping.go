package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	pingFor    time.Duration
	pingReport time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "hold a connection open and report keepalive activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), pingFor)
		defer cancel()

		c, err := dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		ticker := time.NewTicker(pingReport)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				fmt.Fprintf(cmd.OutOrStdout(), "alive, last activity %s ago\n", time.Since(c.LastActivity()).Round(time.Millisecond))
				return nil
			case <-c.Done():
				return c.Err()
			case <-ticker.C:
				fmt.Fprintf(cmd.OutOrStdout(), "last activity %s ago\n", time.Since(c.LastActivity()).Round(time.Millisecond))
			}
		}
	},
}

func init() {
	pingCmd.Flags().DurationVar(&pingFor, "for", 30*time.Second, "how long to keep the connection open")
	pingCmd.Flags().DurationVar(&pingReport, "every", 5*time.Second, "report interval")
}
