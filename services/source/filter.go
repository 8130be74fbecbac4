package source

import (
	"strings"
	"time"
)

// Filter scopes one collection pass. Pure value object, constructed per
// invocation; the zero value accepts everything.
type Filter struct {
	Categories      []string   `json:"categories,omitempty"`
	PriceMin        *float64   `json:"price_min,omitempty"`
	PriceMax        *float64   `json:"price_max,omitempty"`
	KeywordsInclude []string   `json:"keywords_include,omitempty"`
	KeywordsExclude []string   `json:"keywords_exclude,omitempty"`
	DateFrom        *time.Time `json:"date_from,omitempty"`
	DateTo          *time.Time `json:"date_to,omitempty"`
	StockOnly       bool       `json:"stock_only"`
}

// Match reports whether the candidate passes every predicate. Keyword terms
// are matched case-insensitively against the candidate name.
func (f Filter) Match(c Candidate) bool {
	if len(f.Categories) > 0 && !containsFold(f.Categories, c.Category) {
		return false
	}

	if f.PriceMin != nil && c.Price < *f.PriceMin {
		return false
	}
	if f.PriceMax != nil && c.Price > *f.PriceMax {
		return false
	}

	name := strings.ToLower(c.Name)
	if len(f.KeywordsInclude) > 0 && !anySubstring(name, f.KeywordsInclude) {
		return false
	}
	if anySubstring(name, f.KeywordsExclude) {
		return false
	}

	if f.DateFrom != nil && c.CreatedAt.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && c.CreatedAt.After(*f.DateTo) {
		return false
	}

	if f.StockOnly && c.StockQuantity <= 0 {
		return false
	}

	return true
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func anySubstring(haystack string, terms []string) bool {
	for _, t := range terms {
		if t == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
