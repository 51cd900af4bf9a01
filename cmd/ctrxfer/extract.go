package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ctrtransfer/ctrtransfer/manager"
)

var extractCmd = &cobra.Command{
	Use:   "extract <tar_path> <repository> <reference>",
	Short: "Load a docker-save tar archive into the local cache",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tarPath, repo, reference := args[0], args[1], args[2]

		m, _, err := newManagerForHost("", manager.Options{})
		if err != nil {
			return err
		}

		openReader := func() (io.Reader, error) {
			return os.Open(tarPath)
		}
		return m.ExtractAndCache(openReader, repo, reference)
	},
}
