package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/version"
)

// printStartupBanner summarizes what serve is running
func printStartupBanner(cfg *am.Config, a *app) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Println("LeakHunter")

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "(in memory)"
	}
	auth := fmt.Sprintf("%d API key(s)", len(cfg.Server.APIKeys))
	if len(cfg.Server.APIKeys) == 0 {
		auth = "disabled (require_auth=false)"
	}
	hooks := "disabled"
	if a.webhooks != nil {
		if list, err := a.webhooks.List(context.Background()); err == nil {
			hooks = fmt.Sprintf("%d registered", len(list))
		}
	}
	export := cfg.Export.Mode
	if export == "" {
		export = "disabled"
	} else if cfg.Export.IntervalSeconds > 0 {
		export = fmt.Sprintf("%s every %s", export, cfg.Export.Interval())
	}
	bus := cfg.Bus.NATSURL
	if bus == "" {
		bus = "disabled"
	}

	rows := pterm.TableData{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, info.Short())},
		{"Listen", fmt.Sprintf(":%d", cfg.Server.Port)},
		{"Auth", auth},
		{"Database", dbPath},
		{"Rules", fmt.Sprintf("%d", len(a.engine.Rules()))},
		{"Connectors", orNone(a.orch.Connectors())},
		{"Ticket sinks", orNone(a.dispatcher.Sinks())},
		{"Webhooks", hooks},
		{"Schedules", fmt.Sprintf("%d", len(a.calendar.List()))},
		{"Export", export},
		{"NATS", bus},
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
	pterm.Info.Println("Press Ctrl+C to stop")
}

func orNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
