package invalidation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tongvtdan/apillis-mfg-sub009/pkg/cache"
	"github.com/tongvtdan/apillis-mfg-sub009/query"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

var placeholderPattern = regexp.MustCompile(`\{(table|record_id|(?:new|old)\.[A-Za-z0-9_]+)\}`)

// resolvedTarget is a target bound to one change.
type resolvedTarget struct {
	id    string
	match cache.Matcher
}

// resolveTarget expands placeholders and builds the key matcher. It returns false when
// a placeholder has no value in the change, so the target cannot be narrowed safely.
func resolveTarget(t Target, ch change.Change) (resolvedTarget, bool) {
	switch t.Kind {
	case WholeCache:
		return resolvedTarget{id: string(WholeCache), match: cache.MatchAll()}, true

	case KeyPattern:
		pattern, ok := expand(t.Pattern, ch)
		if !ok {
			return resolvedTarget{}, false
		}
		match := cache.MatchSubstring(pattern)
		if strings.ContainsAny(pattern, "*?[") {
			match = cache.MatchGlob(pattern)
		}
		return resolvedTarget{id: string(KeyPattern) + ":" + pattern, match: match}, true

	case EntityTarget:
		entity, ok := expand(t.Pattern, ch)
		if !ok || entity == "" {
			return resolvedTarget{}, false
		}
		return resolvedTarget{id: string(EntityTarget) + ":" + entity, match: query.EntityMatcher(entity)}, true

	default:
		return resolvedTarget{}, false
	}
}

func expand(pattern string, ch change.Change) (string, bool) {
	ok := true
	out := placeholderPattern.ReplaceAllStringFunc(pattern, func(m string) string {
		name := m[1 : len(m)-1]
		switch {
		case name == "table":
			return ch.Table
		case name == "record_id":
			if ch.RecordID == "" {
				ok = false
			}
			return ch.RecordID
		case strings.HasPrefix(name, "new."):
			return fieldString(ch.NewData, strings.TrimPrefix(name, "new."), &ok)
		default:
			return fieldString(ch.OldData, strings.TrimPrefix(name, "old."), &ok)
		}
	})
	return out, ok
}

func fieldString(row map[string]any, field string, ok *bool) string {
	v, present := row[field]
	if !present || v == nil {
		*ok = false
		return ""
	}
	return fmt.Sprint(v)
}
