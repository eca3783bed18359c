// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package hearthstore

import (
	"context"

	"zombiezen.com/go/nix"
)

// Store is the interface the queue runner consumes the derivation store through.
// Implementations must be safe to call from multiple goroutines.
type Store interface {
	// IsValidPath reports whether the store contains the given store object.
	IsValidPath(ctx context.Context, path Path) (bool, error)
	// ReadDerivation reads and parses the derivation at the given path.
	ReadDerivation(ctx context.Context, path Path) (*Derivation, error)
	// GetBuildOutput inspects the (valid) outputs of a derivation
	// and collects the build products they declare.
	GetBuildOutput(ctx context.Context, drv *Derivation) (*BuildOutput, error)
}

// BuildOutput is the result of inspecting a realized derivation's outputs.
type BuildOutput struct {
	// Failed reports whether an output declares itself
	// as a cached transient failure.
	Failed bool
	// ReleaseName is the channel release name declared by the outputs, if any.
	ReleaseName string

	// Size is the total size of the output objects in bytes.
	Size uint64
	// ClosureSize is the total size of the outputs' closure in bytes.
	// Zero if the store cannot compute closures.
	ClosureSize uint64

	// Products are the downloadable artifacts declared by the outputs.
	Products []BuildProduct
}

// BuildProduct is a single artifact declared by a build
// in its hearth-build-products manifest.
type BuildProduct struct {
	Type    string
	Subtype string
	Path    string
	Name    string
	// DefaultPath is the file to serve when Path names a directory.
	DefaultPath string

	// FileSize and SHA256 are filled in when Path names a regular file
	// inside the store; HasFileInfo reports whether they are set.
	FileSize    uint64
	SHA256      nix.Hash
	HasFileInfo bool
}
