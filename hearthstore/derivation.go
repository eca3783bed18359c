// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package hearthstore

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"hearth.build/pkg/internal/aterm"
	"hearth.build/pkg/internal/xmaps"
	"hearth.build/pkg/sets"
)

// A Derivation represents a parsed derivation file:
// a single build recipe addressed by a store path.
type Derivation struct {
	// Dir is the store directory this derivation is a part of.
	Dir Directory
	// Name is the human-readable name of the derivation,
	// i.e. the part after the digest in the store object name.
	Name string
	// System is a string representing the OS and architecture tuple
	// that this derivation is intended to run on.
	System string
	// Builder is the path to the program to run the build.
	Builder string
	// Args is the list of arguments that should be passed to the builder program.
	Args []string
	// Env is the environment variables that should be passed to the builder program.
	Env map[string]string

	// InputDerivations is the set of derivations that this derivation depends on.
	// The mapped values are the set of output names that are used.
	InputDerivations map[Path]*sets.Sorted[string]
	// InputSources is the set of source store objects that this derivation depends on.
	InputSources *sets.Sorted[Path]
	// Outputs is the set of outputs that the derivation produces, keyed by output name.
	Outputs map[string]*DerivationOutput
}

// DefaultOutputName is the name of the output
// that most derivations produce.
const DefaultOutputName = "out"

// A DerivationOutput describes a single output of a derivation.
type DerivationOutput struct {
	// Path is the store path the output will be written to.
	Path Path
	// HashAlgorithm and Hash are set for fixed-output derivations.
	HashAlgorithm string
	Hash          string
}

const derivationPrefix = "Derive"

// ParseDerivation parses a derivation file's contents.
// name must be the part of the store object name after the digest,
// without the extension, e.g. "hello-2.12.1" for "<digest>-hello-2.12.1.drv".
func ParseDerivation(dir Directory, name string, data []byte) (*Derivation, error) {
	rest, ok := bytes.CutPrefix(data, []byte(derivationPrefix))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: missing %q constructor", name, derivationPrefix)
	}
	v, err := aterm.Parse(bytes.NewReader(rest))
	if err != nil {
		return nil, fmt.Errorf("parse %s derivation: %v", name, err)
	}
	drv := &Derivation{Dir: dir, Name: name}
	if err := drv.interpret(v); err != nil {
		return nil, fmt.Errorf("parse %s derivation: %v", name, err)
	}
	return drv, nil
}

func (drv *Derivation) interpret(v aterm.Value) error {
	if v.Kind != aterm.Tuple || len(v.Items) != 7 {
		return fmt.Errorf("not a 7-element tuple")
	}
	outputs, inputDrvs, inputSrcs := v.Items[0], v.Items[1], v.Items[2]
	system, builder, args, env := v.Items[3], v.Items[4], v.Items[5], v.Items[6]

	if outputs.Kind != aterm.List {
		return fmt.Errorf("outputs: got %v, want list", outputs.Kind)
	}
	drv.Outputs = make(map[string]*DerivationOutput, len(outputs.Items))
	for _, item := range outputs.Items {
		fields, err := stringTuple(item, 4)
		if err != nil {
			return fmt.Errorf("outputs: %v", err)
		}
		outName := fields[0]
		if _, ok := drv.Outputs[outName]; ok {
			return fmt.Errorf("outputs: multiple outputs named %q", outName)
		}
		outPath, err := ParsePath(fields[1])
		if err != nil {
			return fmt.Errorf("outputs: %s: %v", outName, err)
		}
		drv.Outputs[outName] = &DerivationOutput{
			Path:          outPath,
			HashAlgorithm: fields[2],
			Hash:          fields[3],
		}
	}

	if inputDrvs.Kind != aterm.List {
		return fmt.Errorf("input derivations: got %v, want list", inputDrvs.Kind)
	}
	drv.InputDerivations = make(map[Path]*sets.Sorted[string], len(inputDrvs.Items))
	for _, item := range inputDrvs.Items {
		if item.Kind != aterm.Tuple || len(item.Items) != 2 || item.Items[0].Kind != aterm.String {
			return fmt.Errorf("input derivations: not a (path, outputs) pair")
		}
		drvPath, err := ParsePath(item.Items[0].Str)
		if err != nil {
			return fmt.Errorf("input derivations: %v", err)
		}
		if drvPath.Dir() != drv.Dir {
			return fmt.Errorf("input derivation %s not in directory %s", drvPath, drv.Dir)
		}
		if _, ok := drv.InputDerivations[drvPath]; ok {
			return fmt.Errorf("multiple input derivations for %s", drvPath)
		}
		outNames := new(sets.Sorted[string])
		if err := eachString(item.Items[1], func(s string) error {
			outNames.Add(s)
			return nil
		}); err != nil {
			return fmt.Errorf("input derivation %s: %v", drvPath, err)
		}
		drv.InputDerivations[drvPath] = outNames
	}

	drv.InputSources = new(sets.Sorted[Path])
	if err := eachString(inputSrcs, func(s string) error {
		p, err := ParsePath(s)
		if err != nil {
			return err
		}
		drv.InputSources.Add(p)
		return nil
	}); err != nil {
		return fmt.Errorf("input sources: %v", err)
	}

	if system.Kind != aterm.String {
		return fmt.Errorf("system: got %v, want string", system.Kind)
	}
	drv.System = system.Str
	if builder.Kind != aterm.String {
		return fmt.Errorf("builder: got %v, want string", builder.Kind)
	}
	drv.Builder = builder.Str

	drv.Args = nil
	if err := eachString(args, func(s string) error {
		drv.Args = append(drv.Args, s)
		return nil
	}); err != nil {
		return fmt.Errorf("builder args: %v", err)
	}

	if env.Kind != aterm.List {
		return fmt.Errorf("environment: got %v, want list", env.Kind)
	}
	drv.Env = make(map[string]string, len(env.Items))
	for _, item := range env.Items {
		fields, err := stringTuple(item, 2)
		if err != nil {
			return fmt.Errorf("environment: %v", err)
		}
		if _, ok := drv.Env[fields[0]]; ok {
			return fmt.Errorf("environment: multiple entries for %q", fields[0])
		}
		drv.Env[fields[0]] = fields[1]
	}

	return nil
}

// MarshalText formats the derivation in the derivation file format.
func (drv *Derivation) MarshalText() ([]byte, error) {
	buf := []byte(derivationPrefix)
	buf = append(buf, "(["...)
	for i, outName := range xmaps.SortedKeys(drv.Outputs) {
		if i > 0 {
			buf = append(buf, ',')
		}
		out := drv.Outputs[outName]
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, outName)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, string(out.Path))
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, out.HashAlgorithm)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, out.Hash)
		buf = append(buf, ')')
	}
	buf = append(buf, "],["...)
	for i, drvPath := range xmaps.SortedKeys(drv.InputDerivations) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, string(drvPath))
		buf = append(buf, ",["...)
		first := true
		for outName := range drv.InputDerivations[drvPath].Values() {
			if !first {
				buf = append(buf, ',')
			}
			first = false
			buf = aterm.AppendString(buf, outName)
		}
		buf = append(buf, "])"...)
	}
	buf = append(buf, "],["...)
	first := true
	for src := range drv.InputSources.Values() {
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = aterm.AppendString(buf, string(src))
	}
	buf = append(buf, "],"...)
	buf = aterm.AppendString(buf, drv.System)
	buf = append(buf, ',')
	buf = aterm.AppendString(buf, drv.Builder)
	buf = append(buf, ",["...)
	for i, arg := range drv.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, arg)
	}
	buf = append(buf, "],["...)
	for i, k := range xmaps.SortedKeys(drv.Env) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, drv.Env[k])
		buf = append(buf, ')')
	}
	buf = append(buf, "])"...)
	return buf, nil
}

func stringTuple(v aterm.Value, n int) ([]string, error) {
	if v.Kind != aterm.Tuple || len(v.Items) != n {
		return nil, fmt.Errorf("not a %d-element tuple", n)
	}
	fields := make([]string, n)
	for i, item := range v.Items {
		if item.Kind != aterm.String {
			return nil, fmt.Errorf("element %d: got %v, want string", i, item.Kind)
		}
		fields[i] = item.Str
	}
	return fields, nil
}

func eachString(v aterm.Value, f func(string) error) error {
	if v.Kind != aterm.List {
		return fmt.Errorf("got %v, want list", v.Kind)
	}
	for _, item := range v.Items {
		if item.Kind != aterm.String {
			return fmt.Errorf("got %v, want string", item.Kind)
		}
		if err := f(item.Str); err != nil {
			return err
		}
	}
	return nil
}

// OutputPaths returns the store paths of the derivation's outputs
// in ascending order of output name.
func (drv *Derivation) OutputPaths() []Path {
	names := xmaps.SortedKeys(drv.Outputs)
	paths := make([]Path, 0, len(names))
	for _, name := range names {
		paths = append(paths, drv.Outputs[name].Path)
	}
	return paths
}

// RequiredSystemFeatures returns the features named by the derivation's
// requiredSystemFeatures environment entry, split on whitespace.
func (drv *Derivation) RequiredSystemFeatures() sets.Set[string] {
	features := make(sets.Set[string])
	features.AddSeq(slices.Values(strings.Fields(drv.Env["requiredSystemFeatures"])))
	return features
}
