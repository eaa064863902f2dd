package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/dispatch/internal/version"
)

// VersionCmd prints build version information.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show dispatchd version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}
