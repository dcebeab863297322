// Copyright 2026 ShareFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"path"
	"strings"
)

// RootPath is the share-relative path of the mount root.
const RootPath = "/"

// NormalizePath cleans a share path into its canonical rooted form.
// "", ".", "a/", "//a//b/" become "/", "/", "/a", "/a/b".
func NormalizePath(p string) string {
	p = path.Clean("/" + p)
	return p
}

// SplitPath splits a path into its components
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == RootPath {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// JoinPath joins a directory path and a single name. The name is not
// cleaned, so callers must reject "." and ".." before joining.
func JoinPath(dir, name string) string {
	if dir == RootPath || dir == "" {
		return RootPath + name
	}
	return dir + "/" + name
}

// ParentPath returns the parent directory of a path
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == RootPath {
		return RootPath
	}
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return RootPath
	}
	return p[:i]
}

// BaseName returns the base name of a path
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == RootPath {
		return ""
	}
	return p[strings.LastIndexByte(p, '/')+1:]
}

// DescendantPrefix returns the key prefix shared by every path strictly
// below p.
func DescendantPrefix(p string) string {
	if p == RootPath {
		return RootPath
	}
	return p + "/"
}

// IsDescendant reports whether child lies strictly below dir.
func IsDescendant(dir, child string) bool {
	if child == dir {
		return false
	}
	return strings.HasPrefix(child, DescendantPrefix(dir))
}

// ValidName reports whether name can be a single path component.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsRune(name, '/')
}
