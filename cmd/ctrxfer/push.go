package main

import (
	"github.com/spf13/cobra"

	"github.com/ctrtransfer/ctrtransfer/ref"
)

var pushCmd = &cobra.Command{
	Use:   "push <cached_image_ref> <target_image_ref>",
	Short: "Push a cached image to a registry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := ref.Parse(args[0])
		if err != nil {
			return err
		}
		dst, err := ref.Parse(args[1])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		mgrOpts, stop := attachRenderer(ctx)
		defer stop()

		m, _, err := newManagerForHost(dst.Registry, mgrOpts)
		if err != nil {
			return err
		}

		return m.PushFromCache(ctx, src.Repository, src.Reference(), dst.Repository, dst.Reference())
	},
}
