package main

import (
	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean <repository> <reference>",
	Short: "Remove one cached image entry, garbage-collecting its orphaned blobs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		return c.RemoveManifest(args[0], args[1])
	},
}
