// Package ticket implements dispatch.TicketSink for Jira, GLPI and ServiceNow,
// plus Slack and Teams incoming-webhook alerts.
package ticket

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/teranos/leakhunter/dispatch"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/internal/httpclient"
	"github.com/teranos/leakhunter/rules"
)

// maxSnippet bounds the snippet quoted in a ticket body
const maxSnippet = 800

// Summary is the one-line ticket title
func Summary(f finding.Finding) string {
	s := fmt.Sprintf("[LeakHunter] %s in %s/%s", f.Rule, f.Platform, containerName(f))
	if len(s) > 255 {
		s = s[:255]
	}
	return s
}

// Description is the plain-text ticket body. It carries the redacted
// snippet only.
func Description(f finding.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sensitive data detected.\n\n")
	fmt.Fprintf(&b, "When: %s\n", f.FoundAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Where: %s / %s\n", f.Platform, containerName(f))
	if f.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", f.URL)
	}
	if f.Author.Name != "" || f.Author.ID != "" {
		fmt.Fprintf(&b, "Who: %s (%s)\n", f.Author.Name, f.Author.ID)
	}
	fmt.Fprintf(&b, "What: %s (severity %s)\n", f.Rule, f.Severity)
	fmt.Fprintf(&b, "Finding: %s\n\n", f.ID)
	fmt.Fprintf(&b, "Snippet (redacted):\n%s\n\n", truncate(f.Snippet, maxSnippet))
	b.WriteString("Recommended action: remove or rotate the secret, restrict access, update credentials.\n")
	return b.String()
}

var labelUnsafe = regexp.MustCompile(`[^a-z0-9_.-]+`)

// Labels returns ticket labels: data-leakage, the platform and the rule
func Labels(f finding.Finding) []string {
	out := []string{"data-leakage"}
	seen := map[string]bool{"data-leakage": true}
	for _, raw := range []string{f.Platform, f.Rule} {
		l := strings.Trim(labelUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), "-"), "-")
		if len(l) > 80 {
			l = l[:80]
		}
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func containerName(f finding.Finding) string {
	if f.Container.Name != "" {
		return f.Container.Name
	}
	return f.Container.ID
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// classify turns an HTTP failure into a dispatch.Error
func classify(sink string, err error) error {
	if httpclient.IsTransient(err) {
		return dispatch.Transient(sink, err)
	}
	return dispatch.Permanent(sink, err)
}

// priority maps severity to a 1 (highest) .. 4 scale
func priority(s rules.Severity) int {
	switch s {
	case rules.SeverityCritical:
		return 1
	case rules.SeverityHigh:
		return 2
	case rules.SeverityMedium:
		return 3
	default:
		return 4
	}
}
