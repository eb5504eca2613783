package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/shiftly/am"
	"github.com/teranos/shiftly/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(cfg *am.Config, dbPath string, users int) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Println(version.Name)
	pterm.Println()

	rows := pterm.TableData{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, info.Short())},
		{"Built", info.BuildTime},
		{"Database", dbPath},
		{"Directory", fmt.Sprintf("%d users", users)},
		{"Waves", fmt.Sprintf("%d x %d every %ds", cfg.Dispatch.MaxWaves, cfg.Dispatch.WaveSize, cfg.Dispatch.WaveIntervalSeconds)},
		{"Job TTL", fmt.Sprintf("%d min", cfg.Instant.JobTTLMinutes)},
	}
	_ = pterm.DefaultTable.WithData(rows).Render()

	pterm.Println()
	if !info.IsRelease() {
		pterm.Warning.Println("Development build")
	}
	pterm.Info.Println("Press Ctrl+C to stop")
}
