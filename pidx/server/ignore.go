package server

import (
	"fmt"
	"os"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreChecker reports whether a request path should never be resolved.
type IgnoreChecker interface {
	MatchesPath(path string) bool
}

// LoadIgnore compiles a gitignore style file of request paths. A missing
// file yields a nil checker and no error.
func LoadIgnore(path string) (IgnoreChecker, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err == nil {
		ignored, err := ignore.CompileIgnoreFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading ignore file %s: %w", path, err)
		}
		return ignored, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error checking for ignore file %s: %w", path, err)
	}
	return nil, nil
}

// IgnoreLines compiles patterns given inline.
func IgnoreLines(lines ...string) IgnoreChecker {
	return ignore.CompileIgnoreLines(lines...)
}

func (s *Server) ignored(path string) bool {
	if s.ignore == nil {
		return false
	}
	path = strings.TrimPrefix(path, "/")
	return path != "" && s.ignore.MatchesPath(path)
}
