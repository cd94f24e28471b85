package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/chronologos/craftlink/internal/version"
)

func versionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skips config loading so version works with a broken config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version.VERSION)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "craftlink %s (%s) %s %s/%s\n",
				version.VERSION, version.Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version number")
	return cmd
}
