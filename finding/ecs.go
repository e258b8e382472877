package finding

import (
	"time"

	"github.com/teranos/leakhunter/rules"
)

var ecsSeverity = map[rules.Severity]int{
	rules.SeverityLow:      2,
	rules.SeverityMedium:   5,
	rules.SeverityHigh:     8,
	rules.SeverityCritical: 10,
}

// ToECS renders f as an Elastic Common Schema aligned document for SIEM export.
func ToECS(f Finding) map[string]any {
	ts := f.FoundAt.UTC().Format(time.RFC3339Nano)

	tags := []string{f.Rule}
	if f.Platform != "" {
		tags = append(tags, f.Platform)
	}

	source := map[string]any{
		"service": map[string]any{"name": f.Platform},
	}
	if name := firstNonEmpty(f.Author.Name, f.Author.ID); name != "" {
		source["user"] = map[string]any{"name": name}
	}
	if f.URL != "" {
		source["url"] = f.URL
	}

	container := map[string]any{"id": f.Container.ID}
	if f.Container.Name != "" {
		container["name"] = f.Container.Name
	}
	if f.Container.Type != "" {
		container["type"] = f.Container.Type
	}

	lh := map[string]any{
		"platform":         f.Platform,
		"severity":         f.Severity.String(),
		"item_id":          f.ItemID,
		"snippet_redacted": f.Snippet,
	}
	if !f.ObservedAt.IsZero() {
		lh["observed_at"] = f.ObservedAt.UTC().Format(time.RFC3339Nano)
	}

	return map[string]any{
		"@timestamp": ts,
		"event": map[string]any{
			"id":       f.ID,
			"kind":     "alert",
			"category": []string{"intrusion_detection"},
			"type":     []string{"info"},
			"severity": ecsSeverity[f.Severity],
			"created":  ts,
			"module":   "leakhunter",
			"dataset":  "leakhunter.findings",
			"reason":   f.Rule,
		},
		"rule":       map[string]any{"name": f.Rule},
		"observer":   map[string]any{"vendor": "LeakHunter", "type": "DLP"},
		"tags":       tags,
		"source":     source,
		"container":  container,
		"leakhunter": lh,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
