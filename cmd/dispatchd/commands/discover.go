package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/dispatch/dispatch"
	"github.com/teranos/dispatch/errors"
)

// DiscoverCmd validates a discovery manifest without starting a server.
var DiscoverCmd = &cobra.Command{
	Use:   "discover <manifest>",
	Short: "Validate a discovery manifest",
	Long:  `Read a JSON discovery manifest and print the classes and methods it would dispatch, without starting a server.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	items, err := (dispatch.ManifestDiscoverer{Path: args[0]}).Discover()
	if err != nil {
		return errors.Wrap(err, "failed to discover tests")
	}

	if len(items) == 0 {
		pterm.Warning.Println("manifest contains no classes")
		return nil
	}

	for _, item := range items {
		pterm.Info.Printfln("%s (%d methods)", item.ClassPath, len(item.Methods))
		for _, m := range item.Methods {
			pterm.Println("  - " + m)
		}
	}
	pterm.Success.Printfln("%d classes discovered", len(items))
	return nil
}
