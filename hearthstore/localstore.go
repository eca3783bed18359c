// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package hearthstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"zombiezen.com/go/nix"
)

// LocalStore is a [Store] backed by a store directory on the local filesystem.
// It never writes to the store.
type LocalStore struct {
	dir Directory
	// realDir is where the store objects are located physically on disk.
	realDir string
}

// NewLocalStore returns a store for the given directory.
// realDir is where the store objects are located physically on disk;
// if empty, it defaults to the store directory.
func NewLocalStore(dir Directory, realDir string) *LocalStore {
	if realDir == "" {
		realDir = string(dir)
	}
	return &LocalStore{dir: dir, realDir: realDir}
}

// Directory returns the store's logical directory.
func (s *LocalStore) Directory() Directory {
	return s.dir
}

func (s *LocalStore) realPath(path Path) (string, error) {
	if path.Dir() != s.dir {
		return "", fmt.Errorf("%s is outside %s", path, s.dir)
	}
	return filepath.Join(s.realDir, path.Base()), nil
}

// IsValidPath reports whether the store object exists on disk.
func (s *LocalStore) IsValidPath(ctx context.Context, path Path) (bool, error) {
	real, err := s.realPath(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(real); errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// ReadDerivation reads and parses the derivation file at path.
func (s *LocalStore) ReadDerivation(ctx context.Context, path Path) (*Derivation, error) {
	if !path.IsDerivation() {
		return nil, fmt.Errorf("read derivation %s: not a %s file", path, DerivationExt)
	}
	real, err := s.realPath(path)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", path, err)
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %w", path, err)
	}
	name := strings.TrimSuffix(path.Name(), DerivationExt)
	drv, err := ParseDerivation(s.dir, name, data)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", path, err)
	}
	return drv, nil
}

// GetBuildOutput inspects the derivation's outputs on disk
// and collects the build products they declare.
func (s *LocalStore) GetBuildOutput(ctx context.Context, drv *Derivation) (*BuildOutput, error) {
	res := new(BuildOutput)
	explicitProducts := false
	for _, outPath := range drv.OutputPaths() {
		real, err := s.realPath(outPath)
		if err != nil {
			return nil, err
		}
		size, err := treeSize(real)
		if err != nil {
			return nil, fmt.Errorf("build output %s: %w", outPath, err)
		}
		res.Size += size

		if _, err := os.Lstat(filepath.Join(real, "nix-support", "failed")); err == nil {
			res.Failed = true
		}
		if name, err := os.ReadFile(filepath.Join(real, "nix-support", "hearth-release-name")); err == nil {
			res.ReleaseName = strings.TrimSpace(string(name))
		}

		manifest, err := os.ReadFile(filepath.Join(real, "nix-support", "hearth-build-products"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("build output %s: %w", outPath, err)
		}
		explicitProducts = true
		for _, line := range strings.Split(string(manifest), "\n") {
			product, ok := parseProductLine(line)
			if !ok {
				continue
			}
			if err := s.fillProductFileInfo(&product); err != nil {
				return nil, fmt.Errorf("build output %s: %w", outPath, err)
			}
			res.Products = append(res.Products, product)
		}
	}

	// Without an explicit manifest, each output is its own product.
	if !explicitProducts {
		for outName, out := range drv.Outputs {
			subtype := outName
			if subtype == DefaultOutputName {
				subtype = ""
			}
			res.Products = append(res.Products, BuildProduct{
				Type:    "nix-build",
				Subtype: subtype,
				Path:    string(out.Path),
				Name:    out.Path.Name(),
			})
		}
	}

	return res, nil
}

// parseProductLine parses a single line of a hearth-build-products manifest:
// a type, a subtype, and a path, with an optional default file for
// directory products. The path may be double-quoted.
func parseProductLine(line string) (BuildProduct, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return BuildProduct{}, false
	}
	product := BuildProduct{
		Type:    fields[0],
		Subtype: fields[1],
	}
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
	rest = strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return BuildProduct{}, false
		}
		product.Path = rest[1 : 1+end]
		product.DefaultPath = strings.TrimSpace(rest[2+end:])
	} else {
		product.Path = fields[2]
		if len(fields) > 3 {
			product.DefaultPath = fields[3]
		}
	}
	product.Name = filepath.Base(product.Path)
	return product, true
}

func (s *LocalStore) fillProductFileInfo(product *BuildProduct) error {
	storePath, sub, err := s.dir.ParsePath(product.Path)
	if err != nil {
		// Products may point outside the store; leave them unannotated.
		return nil
	}
	real, err := s.realPath(storePath)
	if err != nil {
		return err
	}
	full := filepath.Join(real, filepath.FromSlash(sub))
	info, err := os.Lstat(full)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()
	h := nix.NewHasher(nix.SHA256)
	size, err := io.Copy(h, f)
	if err != nil {
		return err
	}
	product.FileSize = uint64(size)
	product.SHA256 = h.SumHash()
	product.HasFileInfo = true
	return nil
}

func treeSize(root string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
