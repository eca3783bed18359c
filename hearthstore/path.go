// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

// Package hearthstore defines the types used to address the derivation store
// and the interface the queue runner consumes it through.
package hearthstore

import (
	"fmt"
	"os"
	posixpath "path"
	"strings"

	"zombiezen.com/go/nix/nixbase32"
)

// Directory is the absolute path of a derivation store.
type Directory string

// DefaultDirectory is the conventional store location.
const DefaultDirectory Directory = "/nix/store"

// CleanDirectory cleans an absolute POSIX-style path as a [Directory].
// It returns an error if the path is not absolute.
func CleanDirectory(path string) (Directory, error) {
	if !posixpath.IsAbs(path) {
		return "", fmt.Errorf("store directory %q is not absolute", path)
	}
	return Directory(posixpath.Clean(path)), nil
}

// DirectoryFromEnvironment returns the store [Directory] in use
// based on the HEARTH_STORE_DIR environment variable,
// falling back to [DefaultDirectory] if not set.
func DirectoryFromEnvironment() (Directory, error) {
	dir := os.Getenv("HEARTH_STORE_DIR")
	if dir == "" {
		return DefaultDirectory, nil
	}
	return CleanDirectory(dir)
}

// Object returns the store path for the given store object name.
func (dir Directory) Object(name string) (Path, error) {
	joined := dir.Join(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("parse store path %s: invalid object name %q", joined, name)
	}
	storePath, err := ParsePath(joined)
	if err != nil {
		return "", err
	}
	return storePath, nil
}

// Join joins any number of path elements to the store directory.
func (dir Directory) Join(elem ...string) string {
	return posixpath.Join(append([]string{string(dir)}, elem...)...)
}

// ParsePath verifies that a given absolute path
// begins with the store directory
// and names either a store object or a file inside a store object.
// On success, it returns the store object's path
// and the relative path inside the store object, if any.
func (dir Directory) ParsePath(path string) (storePath Path, sub string, err error) {
	if !posixpath.IsAbs(path) {
		return "", "", fmt.Errorf("parse store path %s: not absolute", path)
	}
	cleaned := posixpath.Clean(path)
	dirPrefix := posixpath.Clean(string(dir)) + "/"
	tail, ok := strings.CutPrefix(cleaned, dirPrefix)
	if !ok {
		return "", "", fmt.Errorf("parse store path %s: outside %s", path, dir)
	}
	childName, sub, _ := strings.Cut(tail, "/")
	storePath, err = ParsePath(cleaned[:len(dirPrefix)+len(childName)])
	if err != nil {
		return "", "", err
	}
	return storePath, sub, nil
}

// Path is a store path:
// the absolute path of a store object in the filesystem.
// For example: "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1".
type Path string

// DerivationExt is the file extension for a derivation file.
const DerivationExt = ".drv"

const (
	objectNameDigestLength = 32
	maxObjectNameLength    = objectNameDigestLength + 1 + 211
)

// ParsePath parses an absolute path as a store path
// (i.e. an immediate child of a store directory).
func ParsePath(path string) (Path, error) {
	if !posixpath.IsAbs(path) {
		return "", fmt.Errorf("parse store path %s: not absolute", path)
	}
	cleaned := posixpath.Clean(path)
	_, base := posixpath.Split(cleaned)
	if len(base) < objectNameDigestLength+len("-")+1 {
		return "", fmt.Errorf("parse store path %s: %q is too short", path, base)
	}
	if len(base) > maxObjectNameLength {
		return "", fmt.Errorf("parse store path %s: %q is too long", path, base)
	}
	for i := 0; i < len(base); i++ {
		if !isNameChar(base[i]) {
			return "", fmt.Errorf("parse store path %s: %q contains illegal character %q", path, base, base[i])
		}
	}
	if err := nixbase32.ValidateString(base[:objectNameDigestLength]); err != nil {
		return "", fmt.Errorf("parse store path %s: %v", path, err)
	}
	if base[objectNameDigestLength] != '-' {
		return "", fmt.Errorf("parse store path %s: digest not separated by dash", path)
	}
	return Path(cleaned), nil
}

// Dir returns the path's store directory.
func (path Path) Dir() Directory {
	if path == "" {
		return ""
	}
	return Directory(posixpath.Dir(string(path)))
}

// Base returns the last element of the path.
func (path Path) Base() string {
	if path == "" {
		return ""
	}
	return posixpath.Base(string(path))
}

// Digest returns the digest part of the path's name.
func (path Path) Digest() string {
	base := path.Base()
	if len(base) < objectNameDigestLength {
		return ""
	}
	return base[:objectNameDigestLength]
}

// Name returns the part of the path's name after the digest.
func (path Path) Name() string {
	base := path.Base()
	if len(base) < objectNameDigestLength+len("-")+1 {
		return ""
	}
	return base[objectNameDigestLength+1:]
}

// IsDerivation reports whether the path names a derivation file.
func (path Path) IsDerivation() bool {
	return strings.HasSuffix(path.Base(), DerivationExt)
}

func isNameChar(c byte) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '+' || c == '-' || c == '.' || c == '_' || c == '='
}
