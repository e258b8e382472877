package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/logger"
)

// RootCmd is the leakhunter binary
var RootCmd = &cobra.Command{
	Use:   "leakhunter",
	Short: "LeakHunter - sensitive data detection for collaboration platforms",
	Long: `LeakHunter scans collaboration platforms for leaked secrets and personal
data, records each finding once, opens tickets and exports findings to a SIEM.

Available commands:
  serve   - Run the API, scheduler, dispatch workers and periodic export
  scan    - Run one connector (or all) once and print a summary
  rules   - Validate and list detection rules
  export  - Export findings to the configured SIEM
  db      - Manage the SQLite database
  version - Show build information

Examples:
  leakhunter serve
  leakhunter scan slack --full
  leakhunter rules check --file rules.yaml
  leakhunter export run --since-days 30`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// version prints without touching config
		if cmd.Name() == "version" {
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if verbose, _ := cmd.Flags().GetCount("verbose"); verbose > 0 {
			level = "debug"
		}
		if err := logger.Initialize(cfg.Log.JSON, level); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: nearest leakhunter.toml)")
	RootCmd.PersistentFlags().CountP("verbose", "v", "Enable debug logging")

	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(ScanCmd)
	RootCmd.AddCommand(RulesCmd)
	RootCmd.AddCommand(ExportCmd)
	RootCmd.AddCommand(DbCmd)
	RootCmd.AddCommand(VersionCmd)
}
