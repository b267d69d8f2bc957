// Package format turns an ordered set of content items into channel-safe
// text blocks: render each item, sort by priority, pack whole items into
// blocks under a rune limit. Rendering is pure; same input, same blocks.
package format

import (
	"fmt"
	"sort"
	"strings"

	"courier/internal/content"
)

const timeLayout = "2006-01-02 15:04 UTC"

// RenderItem produces the digest text for one item. News and social items
// get an importance ladder prefix ("!" per level) and a source footer;
// stock items get a quote line with a direction marker derived from the
// sign of the change.
func RenderItem(it content.Item) string {
	var b strings.Builder

	switch it.Category {
	case content.CategoryStock:
		b.WriteString(directionMarker(it.ChangePercent))
		b.WriteString(" ")
		b.WriteString(it.Symbol)
		if it.Price != 0 {
			fmt.Fprintf(&b, " %.2f", it.Price)
		}
		fmt.Fprintf(&b, " (%+.2f%%)", it.ChangePercent)
		if t := strings.TrimSpace(it.Title); t != "" {
			b.WriteString("\n")
			b.WriteString(t)
		}
	default:
		if it.Importance > 0 {
			b.WriteString(strings.Repeat("!", it.Importance))
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimSpace(it.Title))
		if body := strings.TrimSpace(it.Body); body != "" {
			b.WriteString("\n")
			b.WriteString(body)
		}
		if link := strings.TrimSpace(it.Link); link != "" {
			b.WriteString("\n")
			b.WriteString(link)
		}
	}

	b.WriteString("\n(")
	b.WriteString(it.Source)
	b.WriteString(", ")
	b.WriteString(it.ObservedAt.UTC().Format(timeLayout))
	b.WriteString(")")
	return b.String()
}

func directionMarker(changePercent float64) string {
	switch {
	case changePercent > 0:
		return "▲"
	case changePercent < 0:
		return "▼"
	default:
		return "•"
	}
}

// SortItems orders items by importance descending, then observed_at
// descending. The sort is stable so producer order breaks remaining ties,
// keeping block boundaries reproducible.
func SortItems(items []content.Item) []content.Item {
	out := make([]content.Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].ObservedAt.After(out[j].ObservedAt)
	})
	return out
}
