package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tongvtdan/apillis-mfg-sub009/datasource"
	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/cache"
)

// KeySeparator joins the key segments.
const KeySeparator = ":"

// BuildKey derives the cache key of a logical query:
//
//	<entity>:<profile>:<filters as JSON with sorted keys>:<page>
//
// encoding/json writes map keys in sorted order, so two filter maps with the same
// content always serialize identically.
func BuildKey(entity string, filters map[string]any, profile Profile, page *datasource.Pagination) (string, error) {
	if entity == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "query", "BuildKey", "entity is required")
	}
	if filters == nil {
		filters = map[string]any{}
	}

	encoded, err := json.Marshal(filters)
	if err != nil {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"query", "BuildKey", "encode filters")
	}

	return strings.Join([]string{entity, string(profile), string(encoded), pageSegment(page)}, KeySeparator), nil
}

func pageSegment(page *datasource.Pagination) string {
	if page == nil {
		return ""
	}
	seg := fmt.Sprintf("o%d-l%d", page.Offset, page.Limit)
	if page.OrderBy != "" {
		dir := "asc"
		if page.Descending {
			dir = "desc"
		}
		seg += fmt.Sprintf("-%s.%s", page.OrderBy, dir)
	}
	return seg
}

// EntityMatcher selects every cached query of an entity type.
func EntityMatcher(entity string) cache.Matcher {
	return cache.MatchPrefix(entity + KeySeparator)
}

// EntityOf returns the entity segment of a cache key.
func EntityOf(key string) string {
	entity, _, _ := strings.Cut(key, KeySeparator)
	return entity
}
