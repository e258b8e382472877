// Package finding defines the content items pulled from platforms and the
// Findings derived from them.
//
// A Finding is immutable once admitted. Its ID is a deterministic digest of
// where the data was found and which rule fired, so re-scanning the same item
// always yields the same ID.
package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/teranos/leakhunter/internal/util"
	"github.com/teranos/leakhunter/rules"
)

// Identity modes
const (
	// IdentityItem ignores edits: one Finding per (platform, container, item, rule)
	IdentityItem = "item"
	// IdentityContent also covers the matched secret, so an edit that changes
	// the secret produces a new Finding
	IdentityContent = "content"
)

// Container is where an item lives: a channel, project, board or directory
type Container struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// Author identifies who wrote an item
type Author struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// RawItem is one unit of content fetched from a platform
type RawItem struct {
	Platform   string    `json:"platform"`
	Container  Container `json:"container"`
	ItemID     string    `json:"item_id"`
	Text       string    `json:"text"`
	Author     Author    `json:"author,omitempty"`
	URL        string    `json:"url,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitzero"` // item timestamp on the platform
}

// Finding is a normalized detection of sensitive data
type Finding struct {
	ID         string         `json:"id"`
	Platform   string         `json:"platform"`
	Container  Container      `json:"container"`
	ItemID     string         `json:"item_id"`
	Rule       string         `json:"rule"`
	Severity   rules.Severity `json:"severity"`
	Snippet    string         `json:"snippet"`
	URL        string         `json:"url,omitempty"`
	Author     Author         `json:"author,omitempty"`
	ObservedAt time.Time      `json:"observed_at,omitzero"`
	FoundAt    time.Time      `json:"found_at"`
}

// Identity returns the hex sha256 of the |-joined identity tuple.
// extra is appended when non-empty (content identity mode).
func Identity(platform, containerID, itemID, rule string, extra ...string) string {
	parts := []string{platform, containerID, itemID, rule}
	for _, e := range extra {
		if e != "" {
			parts = append(parts, e)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Normalizer turns rule matches into Findings
type Normalizer struct {
	Clock        util.Clock
	IdentityMode string // IdentityItem (default) or IdentityContent
}

// NewNormalizer returns a normalizer using clock (nil = system clock)
func NewNormalizer(mode string, clock util.Clock) *Normalizer {
	return &Normalizer{Clock: clock, IdentityMode: mode}
}

// Normalize builds the Finding for match on item. It has no side effects
// other than reading the clock for FoundAt.
func (n *Normalizer) Normalize(item RawItem, match rules.Match) Finding {
	var extra string
	if n.IdentityMode == IdentityContent {
		extra = match.SecretDigest
	}
	return Finding{
		ID:         Identity(item.Platform, item.Container.ID, item.ItemID, match.Rule, extra),
		Platform:   item.Platform,
		Container:  item.Container,
		ItemID:     item.ItemID,
		Rule:       match.Rule,
		Severity:   match.Severity,
		Snippet:    match.Snippet,
		URL:        item.URL,
		Author:     item.Author,
		ObservedAt: item.ObservedAt,
		FoundAt:    n.Clock.OrSystem()(),
	}
}
