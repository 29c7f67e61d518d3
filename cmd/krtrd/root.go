package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	dataDir  string
	logLevel string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "krtrd",
		Short: "krtrd runs a KRTR mesh node",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding the identity key and favorites store")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(newKeygenCmd())
	root.AddCommand(newRunCmd())
	return root
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".krtr"
	}
	return filepath.Join(home, ".krtr")
}
