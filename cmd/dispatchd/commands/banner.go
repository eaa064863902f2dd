package commands

import (
	"github.com/pterm/pterm"

	"github.com/teranos/dispatch/config"
	"github.com/teranos/dispatch/internal/version"
)

func printBanner(cfg config.Config) {
	pterm.DefaultHeader.WithFullWidth().Println("dispatchd")
	pterm.Info.Printfln("version:  %s", version.String())
	pterm.Info.Printfln("port:     %d", cfg.Server.Port)
	if cfg.Server.Revision != "" {
		pterm.Info.Printfln("revision: %s", cfg.Server.Revision)
	}
	pterm.Info.Printfln("runner timeout: %s", cfg.Policy.RunnerTimeout())
	if cfg.Policy.DisableRequeueing {
		pterm.Warning.Println("requeueing is disabled: failed or timed-out methods report immediately")
	}
	pterm.Println()
}
