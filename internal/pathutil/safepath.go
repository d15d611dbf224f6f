// Package pathutil checks relative file paths before they are exposed as
// part of a public artifact URL.
package pathutil

import (
	"path/filepath"
	"strings"

	"github.com/heroku/docker-heroku-ruby-builder/internal/xerrors"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// URLJoin appends the relative file path rel to base using forward slashes.
// rel must be non-empty, relative and free of dot segments.
func URLJoin(base, rel string) (string, error) {
	if base == "" {
		return "", xerrors.New("base url is empty")
	}
	slashed := filepath.ToSlash(rel)
	switch {
	case slashed == "":
		return "", xerrors.New("relative path is empty")
	case strings.HasPrefix(slashed, "/"):
		return "", xerrors.Newf("path %q must be relative", rel)
	case strings.Contains(slashed, "\\"):
		return "", xerrors.Newf("path %q contains a backslash", rel)
	case HasDotSegments(slashed):
		return "", xerrors.Newf("path %q contains dot segments", rel)
	}
	return strings.TrimRight(base, "/") + "/" + slashed, nil
}
