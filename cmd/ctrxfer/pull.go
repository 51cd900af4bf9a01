package main

import (
	"github.com/spf13/cobra"

	"github.com/ctrtransfer/ctrtransfer/ref"
)

var pullCmd = &cobra.Command{
	Use:   "pull <image_ref>",
	Short: "Pull an image from a registry into the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := ref.Parse(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		mgrOpts, stop := attachRenderer(ctx)
		defer stop()

		m, _, err := newManagerForHost(r.Registry, mgrOpts)
		if err != nil {
			return err
		}

		return m.PullAndCache(ctx, r.Repository, r.Reference())
	},
}
