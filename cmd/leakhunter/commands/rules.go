package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/logger"
)

// RulesCmd groups rule maintenance commands
var RulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Validate and list detection rules",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load rules, report errors and list the active set",
	Long: `Load the configured rule file (or --file) together with the built-in rules,
compile every pattern and print the resulting rule set. With --sample the text
is evaluated and the redacted matches are printed.

Examples:
  leakhunter rules check
  leakhunter rules check --file rules.yaml --no-defaults
  leakhunter rules check --sample "card 4111 1111 1111 1111"`,
	RunE: runRulesCheck,
}

var (
	rulesFile       string
	rulesNoDefaults bool
	rulesSample     string
)

func init() {
	RulesCmd.AddCommand(rulesCheckCmd)
	rulesCheckCmd.Flags().StringVarP(&rulesFile, "file", "f", "", "Rule file to check (yaml, toml or json); overrides rules.path")
	rulesCheckCmd.Flags().BoolVar(&rulesNoDefaults, "no-defaults", false, "Exclude the built-in rules")
	rulesCheckCmd.Flags().StringVar(&rulesSample, "sample", "", "Text to evaluate against the rule set")
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rc := cfg.Rules
	if rulesFile != "" {
		rc.Path = rulesFile
	}
	if rulesNoDefaults {
		rc.UseDefaults = false
	}
	if rc.Path == "" && !rc.UseDefaults {
		return errors.New("nothing to check: pass --file or drop --no-defaults")
	}

	engine, err := loadRules(rc, logger.Logger)
	if err != nil {
		pterm.Error.Println(err.Error())
		return errors.Wrap(err, "rule check failed")
	}

	rows := pterm.TableData{{"Name", "Severity", "Redaction", "Description"}}
	for _, r := range engine.Rules() {
		rows = append(rows, []string{r.Name, r.Severity.String(), r.Redaction.Mode, r.Description})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	pterm.Success.Printfln("%d rules loaded%s", len(engine.Rules()), sourceNote(rc))

	if rulesSample == "" {
		return nil
	}
	matches := engine.Evaluate(rulesSample)
	if len(matches) == 0 {
		pterm.Info.Println("Sample matched no rules")
		return nil
	}
	out := pterm.TableData{{"Rule", "Severity", "Snippet"}}
	for _, m := range matches {
		out = append(out, []string{m.Rule, m.Severity.String(), m.Snippet})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(out).Render()
}

func sourceNote(rc am.RulesConfig) string {
	switch {
	case rc.Path != "" && rc.UseDefaults:
		return fmt.Sprintf(" (built-ins + %s)", rc.Path)
	case rc.Path != "":
		return fmt.Sprintf(" (%s)", rc.Path)
	default:
		return " (built-ins)"
	}
}
