package search

import "time"

// Params describe a free-text search with structured filters. Zero values mean
// "filter not supplied". Page and Size are 1-based caller-facing pagination.
type Params struct {
	Query           string
	Category        string
	RegionCode      string
	ValueMin        *float64
	ValueMax        *float64
	OpensAfter      *time.Time
	OpensBefore     *time.Time
	PublishedAfter  *time.Time
	PublishedBefore *time.Time
	Page            int
	Size            int
}

// textFields is the weighted field set for free-text matching: subject counts
// most, description next, org/municipality unweighted.
var textFields = []string{"subject^3", "description^2", "org_name", "municipality"}

// buildSearchBody translates the params into an Elasticsearch request body.
// The text match and the filter clauses are AND-combined; ranking is relevance
// first with ascending opening date as the deterministic tie-break.
func buildSearchBody(p Params) map[string]any {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 {
		p.Size = 10
	}

	boolQuery := map[string]any{}

	if p.Query != "" {
		boolQuery["must"] = []map[string]any{{
			"multi_match": map[string]any{
				"query":     p.Query,
				"fields":    textFields,
				"type":      "best_fields",
				"operator":  "and",
				"fuzziness": "AUTO",
			},
		}}
	} else {
		boolQuery["must"] = []map[string]any{{
			"match_all": map[string]any{},
		}}
	}

	filters := buildFilters(p)
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}

	return map[string]any{
		"from":             (p.Page - 1) * p.Size,
		"size":             p.Size,
		"track_total_hits": true,
		"query":            map[string]any{"bool": boolQuery},
		"sort": []map[string]any{
			{"_score": map[string]any{"order": "desc"}},
			{"opens_at": map[string]any{"order": "asc"}},
		},
	}
}

func buildFilters(p Params) []map[string]any {
	filters := make([]map[string]any, 0, 4)

	if p.Category != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"category.keyword": p.Category},
		})
	}

	if p.RegionCode != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"region_code": p.RegionCode},
		})
	}

	if p.ValueMin != nil || p.ValueMax != nil {
		valueRange := map[string]any{}
		if p.ValueMin != nil {
			valueRange["gte"] = *p.ValueMin
		}
		if p.ValueMax != nil {
			valueRange["lte"] = *p.ValueMax
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{"estimated_value": valueRange},
		})
	}

	if p.OpensAfter != nil || p.OpensBefore != nil {
		opensRange := map[string]any{}
		if p.OpensAfter != nil {
			opensRange["gte"] = p.OpensAfter.UTC().Format(time.RFC3339)
		}
		if p.OpensBefore != nil {
			opensRange["lte"] = p.OpensBefore.UTC().Format(time.RFC3339)
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{"opens_at": opensRange},
		})
	}

	if p.PublishedAfter != nil || p.PublishedBefore != nil {
		pubRange := map[string]any{}
		if p.PublishedAfter != nil {
			pubRange["gte"] = p.PublishedAfter.UTC().Format(time.RFC3339)
		}
		if p.PublishedBefore != nil {
			pubRange["lte"] = p.PublishedBefore.UTC().Format(time.RFC3339)
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{"published_at": pubRange},
		})
	}

	return filters
}
