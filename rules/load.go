package rules

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/leakhunter/errors"
)

type ruleFile struct {
	Rules []Spec `json:"rules" yaml:"rules" toml:"rules"`
}

// LoadFile reads rule specs from a .yaml, .yml, .toml or .json file.
//
// JSON files may also use the flat {"label": "regex"} layout of older
// pattern files; those rules get High severity when the label starts with
// password, private, api or credit, and Medium otherwise.
func LoadFile(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: "cannot read rule file " + path, Err: err}
	}

	var specs []Spec
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		specs, err = parseYAML(data)
	case ".toml":
		var f ruleFile
		_, err = toml.Decode(string(data), &f)
		specs = f.Rules
	case ".json":
		specs, err = parseJSON(data)
	default:
		return nil, &ConfigError{Reason: "unsupported rule file extension " + ext}
	}
	if err != nil {
		return nil, &ConfigError{Reason: "cannot parse rule file " + path, Err: err}
	}

	seen := map[string]bool{}
	for _, s := range specs {
		name := strings.TrimSpace(s.Name)
		if seen[name] {
			return nil, &ConfigError{Rule: name, Reason: "duplicate rule name in " + path}
		}
		seen[name] = true
	}
	return specs, nil
}

func parseYAML(data []byte) ([]Spec, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err == nil && len(f.Rules) > 0 {
		return f.Rules, nil
	}
	var list []Spec
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrap(err, "expected a rules: list or a top-level list")
	}
	return list, nil
}

func parseJSON(data []byte) ([]Spec, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Spec
		err := json.Unmarshal(trimmed, &list)
		return list, err
	}

	var f ruleFile
	if err := json.Unmarshal(trimmed, &f); err == nil && len(f.Rules) > 0 {
		return f.Rules, nil
	}

	var flat map[string]string
	if err := json.Unmarshal(trimmed, &flat); err != nil {
		return nil, errors.Wrap(err, "expected {\"rules\": [...]}, a list, or a label to pattern map")
	}
	labels := make([]string, 0, len(flat))
	for label := range flat {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	specs := make([]Spec, 0, len(flat))
	for _, label := range labels {
		specs = append(specs, Spec{
			Name:     label,
			Pattern:  flat[label],
			Severity: legacySeverity(label),
		})
	}
	return specs, nil
}

func legacySeverity(label string) string {
	l := strings.ToLower(label)
	for _, p := range []string{"password", "private", "api", "credit"} {
		if strings.HasPrefix(l, p) {
			return "high"
		}
	}
	return "medium"
}

// Load builds the active rule set: the built-ins when useDefaults is set,
// overridden or extended by the rule file at path when path is non-empty.
func Load(path string, useDefaults bool) ([]*Rule, error) {
	var specs []Spec
	if useDefaults {
		specs = append(specs, DefaultSpecs()...)
	}
	if path != "" {
		fileSpecs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fileSpecs...)
	}
	rules, err := CompileAll(specs)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, &ConfigError{Reason: "no enabled rules"}
	}
	return rules, nil
}
