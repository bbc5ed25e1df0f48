// Package discovery implements the filter/sort pipeline that turns the full
// listing set plus user-supplied criteria into an ordered result list. The
// pipeline is pure: it never mutates its input and returns a new slice.
package discovery

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"swapmarket/internal/geo"
	"swapmarket/internal/models"
	"swapmarket/internal/utils"
)

// SortKey enumerates the supported result orderings.
type SortKey string

const (
	SortNewest    SortKey = "newest"
	SortOldest    SortKey = "oldest"
	SortPriceHigh SortKey = "price-high"
	SortPriceLow  SortKey = "price-low"
	SortRating    SortKey = "rating"
	SortDistance  SortKey = "distance"
	SortExpiring  SortKey = "expiring"
)

var sortKeys = map[SortKey]bool{
	SortNewest:    true,
	SortOldest:    true,
	SortPriceHigh: true,
	SortPriceLow:  true,
	SortRating:    true,
	SortDistance:  true,
	SortExpiring:  true,
}

// Params is the validated query configuration. Construct via NewParams so
// unknown sort keys and inconsistent combinations are rejected up front
// instead of being silently ignored.
type Params struct {
	Search         string
	Keywords       []string // Extra search terms (e.g. AI-extracted), unioned with Search
	Category       models.Category
	MinPrice       *float64
	MaxPrice       *float64
	NearbyOnly     bool
	MaxDistanceKm  float64
	UserLocation   *models.GeoJSON
	FlashOnly      bool
	IncludeExpired bool
	Sort           SortKey
}

// NewParams validates a parameter set. A zero Sort means "preserve input
// order"; everything else must name a known key. Distance-dependent options
// require a user location.
func NewParams(p Params) (Params, error) {
	if p.Sort != "" && !sortKeys[p.Sort] {
		return Params{}, fmt.Errorf("unknown sort key %q", p.Sort)
	}
	if p.Category != "" && !models.ValidCategory(p.Category) {
		return Params{}, fmt.Errorf("unknown category %q", p.Category)
	}
	if p.MinPrice != nil && p.MaxPrice != nil && *p.MinPrice > *p.MaxPrice {
		return Params{}, fmt.Errorf("min price %v exceeds max price %v", *p.MinPrice, *p.MaxPrice)
	}
	if p.NearbyOnly && !p.UserLocation.Valid() {
		return Params{}, fmt.Errorf("nearby filter requires a user location")
	}
	if p.Sort == SortDistance && !p.UserLocation.Valid() {
		return Params{}, fmt.Errorf("distance sort requires a user location")
	}
	if p.NearbyOnly && p.MaxDistanceKm <= 0 {
		return Params{}, fmt.Errorf("nearby filter requires a positive max distance")
	}
	return p, nil
}

// Query runs the pipeline: expiry filter, text filter, category filter,
// price range, geographic radius, flash-only, then a stable sort. Filters
// apply in that order; the sort is stable so equal keys preserve the input's
// relative order, which keeps pagination deterministic.
func Query(listings []models.Listing, p Params, ownerScores map[utils.SixID]float64, now time.Time) []models.Listing {
	out := make([]models.Listing, 0, len(listings))

	terms := searchTerms(p)
	for i := range listings {
		l := listings[i]
		if !p.IncludeExpired && l.IsEffectivelyExpired(now) {
			continue
		}
		if len(terms) > 0 && !matchesAny(&l, terms) {
			continue
		}
		if p.Category != "" && !strings.EqualFold(string(l.Category), string(p.Category)) {
			continue
		}
		if p.MinPrice != nil && l.EstimatedValue < *p.MinPrice {
			continue
		}
		if p.MaxPrice != nil && l.EstimatedValue > *p.MaxPrice {
			continue
		}
		if p.NearbyOnly {
			if !l.Coordinates.Valid() {
				continue
			}
			d := geo.DistanceKm(p.UserLocation.Lat(), p.UserLocation.Lng(), l.Coordinates.Lat(), l.Coordinates.Lng())
			if d > p.MaxDistanceKm {
				continue
			}
		}
		if p.FlashOnly && !l.IsFlashSwap {
			continue
		}
		out = append(out, l)
	}

	sortListings(out, p, ownerScores)
	return out
}

func searchTerms(p Params) []string {
	terms := make([]string, 0, 1+len(p.Keywords))
	if s := strings.TrimSpace(p.Search); s != "" {
		terms = append(terms, strings.ToLower(s))
	}
	for _, k := range p.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			terms = append(terms, k)
		}
	}
	return terms
}

// matchesAny reports whether any term substring-matches the listing's title,
// description, category or a wanted item. Terms are a union: one hit is
// enough, so AI-extracted keywords widen results rather than narrowing them.
func matchesAny(l *models.Listing, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(strings.ToLower(l.Title), term) ||
			strings.Contains(strings.ToLower(l.Description), term) ||
			strings.Contains(strings.ToLower(string(l.Category)), term) {
			return true
		}
		for _, w := range l.WantedItems {
			if strings.Contains(strings.ToLower(w), term) {
				return true
			}
		}
	}
	return false
}

func sortListings(ls []models.Listing, p Params, ownerScores map[utils.SixID]float64) {
	switch p.Sort {
	case SortNewest:
		sort.SliceStable(ls, func(i, j int) bool { return ls[i].CreatedAt.After(ls[j].CreatedAt) })
	case SortOldest:
		sort.SliceStable(ls, func(i, j int) bool { return ls[i].CreatedAt.Before(ls[j].CreatedAt) })
	case SortPriceHigh:
		sort.SliceStable(ls, func(i, j int) bool { return ls[i].EstimatedValue > ls[j].EstimatedValue })
	case SortPriceLow:
		sort.SliceStable(ls, func(i, j int) bool { return ls[i].EstimatedValue < ls[j].EstimatedValue })
	case SortRating:
		sort.SliceStable(ls, func(i, j int) bool {
			return ownerScores[ls[i].UserID] > ownerScores[ls[j].UserID]
		})
	case SortDistance:
		sort.SliceStable(ls, func(i, j int) bool {
			di, okI := distanceTo(p.UserLocation, &ls[i])
			dj, okJ := distanceTo(p.UserLocation, &ls[j])
			if okI != okJ {
				return okI // Listings without coordinates sort last
			}
			return di < dj
		})
	case SortExpiring:
		sort.SliceStable(ls, func(i, j int) bool {
			fi := ls[i].IsFlashSwap && ls[i].ExpiresAt != nil
			fj := ls[j].IsFlashSwap && ls[j].ExpiresAt != nil
			if fi != fj {
				return fi // Flash listings before everything else
			}
			if !fi {
				return false // Non-flash order left as-is (stable)
			}
			return ls[i].ExpiresAt.Before(*ls[j].ExpiresAt)
		})
	}
}

func distanceTo(user *models.GeoJSON, l *models.Listing) (float64, bool) {
	if !l.Coordinates.Valid() {
		return 0, false
	}
	return geo.DistanceKm(user.Lat(), user.Lng(), l.Coordinates.Lat(), l.Coordinates.Lng()), true
}
