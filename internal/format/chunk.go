package format

import (
	"courier/internal/content"
)

// Defaults for Options zero fields.
const (
	DefaultMaxBlockSize     = 2000
	DefaultTruncationMarker = "…[truncated]"
	defaultSeparator        = "\n\n"
)

// Block is one channel-sized unit of formatted text. Fingerprints records
// which items the block carries so a delivered block can be mapped back to
// recordable dedup entries.
type Block struct {
	Index        int
	Text         string
	Fingerprints []string
	Truncated    bool
}

// Options control packing. Sizes are measured in runes, not bytes: digests
// carry CJK text and channel ceilings are defined in characters.
type Options struct {
	MaxBlockSize     int
	TruncationMarker string
	Separator        string
}

func (o Options) withDefaults() Options {
	if o.MaxBlockSize <= 0 {
		o.MaxBlockSize = DefaultMaxBlockSize
	}
	if o.TruncationMarker == "" {
		o.TruncationMarker = DefaultTruncationMarker
	}
	if o.Separator == "" {
		o.Separator = defaultSeparator
	}
	return o
}

// Format sorts items by priority (importance desc, observed_at desc),
// renders each one and packs them into blocks of at most MaxBlockSize
// runes. An item is never split across blocks; an item that alone exceeds
// the limit is truncated, suffixed with the truncation marker and emitted
// as its own block. Every item lands in exactly one block.
func Format(items []content.Item, opts Options) []Block {
	opts = opts.withDefaults()
	sorted := SortItems(items)

	blocks := make([]Block, 0, 1)
	var (
		cur      []rune
		curFPs   []string
		sep      = []rune(opts.Separator)
		flushCur = func() {
			if len(curFPs) == 0 {
				return
			}
			blocks = append(blocks, Block{
				Index:        len(blocks),
				Text:         string(cur),
				Fingerprints: curFPs,
			})
			cur = nil
			curFPs = nil
		}
	)

	for _, it := range sorted {
		rendered := []rune(RenderItem(it))

		if len(rendered) > opts.MaxBlockSize {
			// Oversized item: truncate and isolate. Emitting it inline would
			// push the whole block over the limit.
			flushCur()
			blocks = append(blocks, Block{
				Index:        len(blocks),
				Text:         truncate(rendered, opts.MaxBlockSize, opts.TruncationMarker),
				Fingerprints: []string{it.ID},
				Truncated:    true,
			})
			continue
		}

		need := len(rendered)
		if len(curFPs) > 0 {
			need += len(sep)
		}
		if len(cur)+need > opts.MaxBlockSize {
			flushCur()
		}
		if len(curFPs) > 0 {
			cur = append(cur, sep...)
		}
		cur = append(cur, rendered...)
		curFPs = append(curFPs, it.ID)
	}
	flushCur()

	return blocks
}

// truncate cuts rendered down so that text plus marker fits in limit runes.
func truncate(rendered []rune, limit int, marker string) string {
	mr := []rune(marker)
	if len(mr) >= limit {
		// Degenerate limit; keep whatever fits of the marker alone.
		return string(mr[:limit])
	}
	keep := limit - len(mr)
	return string(rendered[:keep]) + marker
}
