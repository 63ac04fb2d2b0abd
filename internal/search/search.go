package search

import (
	"encoding/json"
	"sort"
	"strings"

	"briefcanvas/api/internal/canvas"
)

// maxTextLen bounds the text extracted from one brief's blocks.
const maxTextLen = 16 * 1024

// Result is a single search hit returned to the caller.
type Result struct {
	BriefID string `json:"briefId"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Status  string `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text string
	// Reader limits hits to briefs this user owns or was shared on. Empty
	// means no restriction.
	Reader       string
	FilterOwner  string
	FilterStatus string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// BriefRecord is the data we index for a brief.
type BriefRecord struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	Title     string `json:"title"`
	Notes     string `json:"notes"`
	Text      string `json:"text"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updatedAt"`
	// Readers are the users allowed to see this brief: the owner plus
	// every member.
	Readers []string `json:"readers"`
}

// RecordFor flattens a brief into its searchable form: page titles plus
// every string found in block content, in render order.
func RecordFor(b canvas.Brief, g canvas.Graph) BriefRecord {
	g = g.Clone()
	g.Normalize()

	var parts []string
	for _, p := range g.Pages {
		if t := strings.TrimSpace(p.Title); t != "" {
			parts = append(parts, t)
		}
	}
	for _, blk := range g.Blocks {
		if len(blk.Content) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(blk.Content, &v); err != nil {
			continue
		}
		parts = collectStrings(v, parts)
	}

	text := strings.Join(parts, "\n")
	if len(text) > maxTextLen {
		text = truncateUTF8(text, maxTextLen)
	}
	return BriefRecord{
		ID:        b.ID,
		OwnerID:   b.OwnerID,
		Title:     b.Title,
		Notes:     b.Notes,
		Text:      text,
		Status:    b.Status,
		UpdatedAt: b.UpdatedAt.Unix(),
		Readers:   []string{b.OwnerID},
	}
}

func collectStrings(v any, out []string) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	case []any:
		for _, item := range t {
			out = collectStrings(item, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if isMetaKey(k) {
				continue
			}
			out = collectStrings(t[k], out)
		}
	}
	return out
}

// isMetaKey skips content fields that hold references rather than prose.
func isMetaKey(k string) bool {
	switch strings.ToLower(k) {
	case "url", "src", "href", "id", "captureid", "color", "fill", "stroke", "kind", "style":
		return true
	}
	return false
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
