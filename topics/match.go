// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const (
	// Separator splits a topic path into levels.
	Separator = "/"
	// Wildcard, as the last level of a pattern, matches any number of
	// trailing levels, including none.
	Wildcard = "#"
)

// Match reports whether the path matches the pattern.
// Rules:
// - a pattern without wildcard matches only the identical path.
// - a trailing '#' matches the parent level and all its descendants.
// - "#" alone matches every path.
func Match(pattern, path string) bool {
	if pattern == "" || path == "" {
		return false
	}
	if pattern == path {
		return true
	}

	patternLevels := strings.Split(pattern, Separator)
	pathLevels := strings.Split(path, Separator)

	for i, level := range patternLevels {
		if level == Wildcard {
			return true
		}
		if i >= len(pathLevels) || level != pathLevels[i] {
			return false
		}
	}

	return len(patternLevels) == len(pathLevels)
}

// Receives reports whether a subscriber on pattern gets a message published
// to path. Exact patterns inherit messages published to descendants unless the
// message is leaf-only.
func Receives(pattern, path string, leafOnly bool) bool {
	if Match(pattern, path) {
		return true
	}
	if leafOnly || HasWildcard(pattern) {
		return false
	}
	return IsAncestor(pattern, path)
}

// IsAncestor reports whether ancestor is a proper ancestor of path.
func IsAncestor(ancestor, path string) bool {
	return ancestor != "" && len(path) > len(ancestor)+1 &&
		strings.HasPrefix(path, ancestor) && path[len(ancestor)] == '/'
}

// Ancestors returns the proper ancestors of path, root first.
// Ancestors("a/b/c") returns ["a", "a/b"].
func Ancestors(path string) []string {
	var ret []string
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			ret = append(ret, path[:i])
		}
	}
	return ret
}

// Base returns the pattern without its trailing wildcard level.
// Base("a/b/#") returns "a/b"; Base("#") returns "".
func Base(pattern string) string {
	if pattern == Wildcard {
		return ""
	}
	return strings.TrimSuffix(pattern, Separator+Wildcard)
}

// HasWildcard reports whether the pattern ends with the wildcard level.
func HasWildcard(pattern string) bool {
	return pattern == Wildcard || strings.HasSuffix(pattern, Separator+Wildcard)
}

// Levels splits a path into its levels.
func Levels(path string) []string {
	return strings.Split(path, Separator)
}
