// Package content defines the items the delivery pipeline carries: one
// ContentItem per news article, stock snapshot or social post, identified
// by a stable fingerprint used for deduplication across push cycles.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Category tags what kind of digest entry an item is. The renderer keys on
// it; the pipeline itself never branches on category.
type Category string

const (
	CategoryNews   Category = "news"
	CategoryStock  Category = "stock"
	CategorySocial Category = "social"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryNews, CategoryStock, CategorySocial:
		return true
	}
	return false
}

// Importance bounds. 0 is routine, 4 is critical.
const (
	ImportanceMin = 0
	ImportanceMax = 4
)

// FingerprintBucket is the timestamp rounding window for fingerprints.
// Identical content observed within the same bucket maps to one
// fingerprint, so an hourly producer re-emitting the same article does not
// produce a "new" item every cycle.
const FingerprintBucket = time.Hour

// Item is one candidate digest entry. Immutable once created; identity is
// the fingerprint in ID.
type Item struct {
	ID         string    `json:"id"`
	Category   Category  `json:"category"`
	Title      string    `json:"title"`
	Body       string    `json:"body,omitempty"`
	Link       string    `json:"link,omitempty"`
	Importance int       `json:"importance"`
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`

	// Stock snapshot extras, rendering-only.
	Symbol        string  `json:"symbol,omitempty"`
	Price         float64 `json:"price,omitempty"`
	ChangePercent float64 `json:"change_percent,omitempty"`
}

var (
	errNoTitle    = errors.New("item has neither title nor symbol")
	errNoSource   = errors.New("item has no source")
	errNoObserved = errors.New("item has no observed_at timestamp")
)

// Validate checks the fields the pipeline depends on. Items with an empty
// ID are still valid; Normalize fills the fingerprint in.
func (it Item) Validate() error {
	if strings.TrimSpace(it.Title) == "" && strings.TrimSpace(it.Symbol) == "" {
		return errNoTitle
	}
	if strings.TrimSpace(it.Source) == "" {
		return errNoSource
	}
	if it.ObservedAt.IsZero() {
		return errNoObserved
	}
	if !it.Category.Valid() {
		return errors.New("item has unknown category " + string(it.Category))
	}
	return nil
}

// Normalize returns a copy with a computed fingerprint when the producer
// left ID empty, importance clamped into [ImportanceMin, ImportanceMax]
// and the category defaulted to news.
func (it Item) Normalize() Item {
	if it.Category == "" {
		it.Category = CategoryNews
	}
	if it.Importance < ImportanceMin {
		it.Importance = ImportanceMin
	}
	if it.Importance > ImportanceMax {
		it.Importance = ImportanceMax
	}
	if strings.TrimSpace(it.ID) == "" {
		title := it.Title
		if title == "" {
			title = it.Symbol
		}
		it.ID = Fingerprint(it.Source, title, it.ObservedAt)
	}
	return it
}

// Fingerprint derives the stable dedup identity of an item: hex SHA-256 of
// source, title and the observation timestamp rounded down to
// FingerprintBucket. Stable across cycles for identical content.
func Fingerprint(source, title string, observedAt time.Time) string {
	bucket := observedAt.UTC().Truncate(FingerprintBucket)
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{'|'})
	h.Write([]byte(title))
	h.Write([]byte{'|'})
	h.Write([]byte(bucket.Format(time.RFC3339)))
	return hex.EncodeToString(h.Sum(nil))
}
