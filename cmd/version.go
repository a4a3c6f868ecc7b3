package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentos/internal/kernel"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentos version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentos %s (%s, %s/%s)\n", kernel.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
