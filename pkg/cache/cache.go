// Package cache provides the generic, thread-safe TTL store backing the query result cache.
//
// Every entry carries its own TTL. Get never returns an entry past its TTL, even when the
// background sweep has not run yet. Expired entries are retained for a configurable stale
// window so GetStale can serve them as fallback data after a failed fetch.
package cache

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

// Cache represents the TTL store contract used by the query and invalidation layers.
type Cache[V any] interface {
	// Get returns the value only while the entry is within its TTL.
	Get(key string) (V, bool)

	// GetStale returns a retained value regardless of expiry, plus the time it was stored.
	GetStale(key string) (V, time.Time, bool)

	// Set stores value under key with the given ttl, overwriting any existing entry.
	// A non-positive ttl uses the store default.
	Set(key string, value V, ttl time.Duration) error

	// IsValid reports whether an unexpired entry exists, without mutating state.
	IsValid(key string) bool

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// DeleteMatching removes every entry whose key satisfies match and returns the removed keys.
	DeleteMatching(match Matcher) []string

	// Reserve registers an in-flight fill of key and returns the token Fill expects.
	// Every Reserve must end with exactly one Fill or Release.
	Reserve(key string) (uint64, error)

	// Fill stores value like Set unless key was deleted, matched by DeleteMatching or
	// cleared since Reserve returned token. It ends the reservation and reports whether
	// the value was stored.
	Fill(key string, token uint64, value V, ttl time.Duration) (bool, error)

	// Release ends a reservation without storing anything.
	Release(key string)

	// Clear removes all entries.
	Clear() error

	// Size returns the number of retained entries, expired ones included.
	Size() int

	// Keys returns the keys of all unexpired entries.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close stops the background sweep.
	Close() error
}

// EvictCallback is called when an entry leaves the cache.
type EvictCallback[V any] func(key string, value V)

// Matcher selects cache keys for pattern invalidation.
type Matcher func(key string) bool

// MatchPrefix matches keys starting with prefix.
func MatchPrefix(prefix string) Matcher {
	return func(key string) bool {
		return strings.HasPrefix(key, prefix)
	}
}

// MatchSubstring matches keys containing substr.
func MatchSubstring(substr string) Matcher {
	return func(key string) bool {
		return strings.Contains(key, substr)
	}
}

// MatchGlob matches whole keys against a glob ("projects:*"). * matches any run of
// characters and ? any single character, '/' included, since keys embed filter values.
// [...] and [!...] are character classes and \ escapes the next character.
// A malformed pattern matches nothing.
func MatchGlob(pattern string) Matcher {
	expr, err := globToRegexp(pattern)
	if err != nil {
		return func(string) bool { return false }
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return func(string) bool { return false }
	}
	return re.MatchString
}

func globToRegexp(pattern string) (string, error) {
	runes := []rune(pattern)
	var b strings.Builder
	b.WriteString("(?s)^")
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '\\':
			if i+1 == len(runes) {
				return "", fmt.Errorf("trailing escape in %q", pattern)
			}
			i++
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		case '[':
			end, class, err := globClass(runes, i)
			if err != nil {
				return "", fmt.Errorf("%w in %q", err, pattern)
			}
			b.WriteString(class)
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String(), nil
}

// globClass translates the class starting at runes[start] and returns the index of its
// closing bracket.
func globClass(runes []rune, start int) (int, string, error) {
	var b strings.Builder
	b.WriteString("[")
	i := start + 1
	if i < len(runes) && (runes[i] == '!' || runes[i] == '^') {
		b.WriteString("^")
		i++
	}
	first := true
	for ; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == ']' && !first:
			b.WriteString("]")
			return i, b.String(), nil
		case r == '\\':
			if i+1 == len(runes) {
				return 0, "", errors.New("trailing escape")
			}
			i++
			if runes[i] == '-' {
				b.WriteString(`\-`)
			} else {
				b.WriteString(regexp.QuoteMeta(string(runes[i])))
			}
		case r == ']' || r == '[' || r == '^':
			b.WriteString(`\`)
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
		first = false
	}
	return 0, "", errors.New("unterminated character class")
}

// MatchAll matches every key.
func MatchAll() Matcher {
	return func(string) bool { return true }
}

// Entry is a snapshot of a stored value with its metadata.
type Entry[V any] struct {
	Key      string
	Value    V
	StoredAt time.Time
	TTL      time.Duration
}

// ExpiresAt returns the instant the entry stops being valid.
func (e *Entry[V]) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// ExpiredAt reports whether the entry is past its TTL at now.
func (e *Entry[V]) ExpiredAt(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.TTL
}

// validateKey validates a cache key for basic requirements.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
