package devmesh

import "path/filepath"

// globMatch reports whether name matches the shell-style glob pattern
// (*, ?, and [...] character classes), anchored over the whole string.
// No third-party glob library appears anywhere in the retrieved examples,
// so this wraps path/filepath.Match rather than vendoring one.
func globMatch(pattern, name string) bool {
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}

// matchAny reports whether name matches any of patterns.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if globMatch(p, name) {
			return true
		}
	}
	return false
}
