package daemon

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"

	"sharefs/internal/vfs"
)

// BuildFilter creates the visibility filter of a mount:
// 1. Exclude patterns (gitignore syntax) hide matching paths
// 2. .gitignore files found under hostDir hide what they match, scoped to
//    their directory
//
// Returns nil when nothing would ever be hidden.
func BuildFilter(hostDir string, useGitignore bool, excludes []string) vfs.Filter {
	var excl *ignore.GitIgnore
	if len(excludes) > 0 {
		excl = ignore.CompileIgnoreLines(excludes...)
	}

	var matcher *gitignoreMatcher
	if useGitignore && hostDir != "" {
		var err error
		matcher, err = newGitignoreMatcher(hostDir)
		if err != nil {
			log.Warnf("filter: failed to build gitignore matcher: %v", err)
		}
	}

	if excl == nil && (matcher == nil || len(matcher.matchers) == 0) {
		return nil
	}

	return func(path string, isDir bool) bool {
		relPath := strings.TrimPrefix(path, "/")
		if relPath == "" {
			return true
		}
		checkPath := relPath
		if isDir {
			checkPath += "/"
		}
		if excl != nil && excl.MatchesPath(checkPath) {
			return false
		}
		return !matcher.isIgnored(relPath, isDir)
	}
}

// gitignoreMatcher collects .gitignore rules from a host tree
type gitignoreMatcher struct {
	matchers []scopedMatcher
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newGitignoreMatcher(hostDir string) (*gitignoreMatcher, error) {
	m := &gitignoreMatcher{}

	err := filepath.Walk(hostDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if filepath.Base(path) == ".git" && path != hostDir {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Base(path) != ".gitignore" {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}

		relDir, relErr := filepath.Rel(hostDir, filepath.Dir(path))
		if relErr != nil {
			return nil
		}
		if relDir == "." {
			relDir = ""
		}

		m.matchers = append(m.matchers, scopedMatcher{
			dirPrefix: filepath.ToSlash(relDir),
			ignore:    ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *gitignoreMatcher) isIgnored(relPath string, isDir bool) bool {
	if m == nil || len(m.matchers) == 0 {
		return false
	}

	checkPath := relPath
	if isDir {
		checkPath = relPath + "/"
	}

	for _, sm := range m.matchers {
		pathToCheck := checkPath
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}

		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}
