package config

import (
	"regexp"
	"strings"
)

// DefaultQueue is the spawn queue name used when a name normalizes to nothing.
const DefaultQueue = "agentos.spawn"

const maxNameLen = 64

var (
	validNameRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)
	invalidChars = regexp.MustCompile(`[^a-z0-9._-]+`)
	edgeDashes   = regexp.MustCompile(`^[-.]+|[-.]+$`)
)

// NormalizeName turns a user-provided queue or channel name into one every
// backend accepts: lowercase, at most 64 chars of [a-z0-9._-], with runs of
// other characters collapsed to "-". An empty result becomes DefaultQueue.
func NormalizeName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return DefaultQueue
	}
	if validNameRe.MatchString(lower) {
		return lower
	}

	result := invalidChars.ReplaceAllString(lower, "-")
	result = edgeDashes.ReplaceAllString(result, "")
	if len(result) > maxNameLen {
		result = edgeDashes.ReplaceAllString(result[:maxNameLen], "")
	}
	if result == "" {
		return DefaultQueue
	}
	return result
}
