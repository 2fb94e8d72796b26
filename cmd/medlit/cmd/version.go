package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/medlit/medlit/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the medlit version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("medlit version %s (%s/%s, %s)\n",
				version.Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}
