// Package pathutil expands user supplied filesystem paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves environment variable tokens ($HOME, ${HOME}) and a leading
// "~/" in p. The result is not made absolute.
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch {
	case len(p) == 1:
		return home, nil
	case p[1] == '/' || p[1] == '\\':
		return filepath.Join(home, p[2:]), nil
	}
	return p, nil
}

// ExpandAbs expands p like Expand and returns it as an absolute path.
func ExpandAbs(p string) (string, error) {
	expanded, err := Expand(p)
	if err != nil || expanded == "" {
		return expanded, err
	}
	return filepath.Abs(expanded)
}
