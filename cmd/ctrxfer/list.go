package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List images held in the local cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		for _, entry := range c.ListCached() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", entry.Repository, entry.Reference)
		}
		return nil
	},
}
