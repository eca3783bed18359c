// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package hearthstore

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"hearth.build/pkg/sets"
)

const helloDrvText = `Derive(` +
	`[("out","/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1","","")],` +
	`[("/nix/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-bash-5.2.drv",["out"])],` +
	`["/nix/store/mzhai1fckxjnmanyx0i1x3a4czwzxxks-builder.sh"],` +
	`"x86_64-linux",` +
	`"/bin/sh",` +
	`["-e","builder.sh"],` +
	`[("name","hello-2.12.1"),("requiredSystemFeatures","kvm big-parallel"),("preferLocalBuild","1")]` +
	`)`

func helloDerivation() *Derivation {
	return &Derivation{
		Dir:     "/nix/store",
		Name:    "hello-2.12.1",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-e", "builder.sh"},
		Env: map[string]string{
			"name":                   "hello-2.12.1",
			"requiredSystemFeatures": "kvm big-parallel",
			"preferLocalBuild":       "1",
		},
		InputDerivations: map[Path]*sets.Sorted[string]{
			"/nix/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-bash-5.2.drv": sets.NewSorted("out"),
		},
		InputSources: sets.NewSorted[Path]("/nix/store/mzhai1fckxjnmanyx0i1x3a4czwzxxks-builder.sh"),
		Outputs: map[string]*DerivationOutput{
			"out": {Path: "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1"},
		},
	}
}

var derivationDiffOptions = cmp.Options{
	cmp.Comparer(func(a, b *sets.Sorted[string]) bool {
		return slices.Equal(slices.Collect(a.Values()), slices.Collect(b.Values()))
	}),
	cmp.Comparer(func(a, b *sets.Sorted[Path]) bool {
		return slices.Equal(slices.Collect(a.Values()), slices.Collect(b.Values()))
	}),
}

func TestParseDerivation(t *testing.T) {
	got, err := ParseDerivation("/nix/store", "hello-2.12.1", []byte(helloDrvText))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(helloDerivation(), got, derivationDiffOptions); diff != "" {
		t.Errorf("derivation (-want +got):\n%s", diff)
	}
}

func TestParseDerivationErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"missing constructor", `(["a"])`},
		{"wrong arity", `Derive(["a"])`},
		{"garbage", `Derive(nope)`},
	}
	for _, test := range tests {
		if got, err := ParseDerivation("/nix/store", "x", []byte(test.data)); err == nil {
			t.Errorf("%s: ParseDerivation(...) = %+v, <nil>; want error", test.name, got)
		}
	}
}

func TestDerivationMarshalTextRoundTrip(t *testing.T) {
	want := helloDerivation()
	text, err := want.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseDerivation(want.Dir, want.Name, text)
	if err != nil {
		t.Fatalf("parse %s: %v", text, err)
	}
	if diff := cmp.Diff(want, got, derivationDiffOptions); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestRequiredSystemFeatures(t *testing.T) {
	drv := helloDerivation()
	got := drv.RequiredSystemFeatures()
	want := sets.New("kvm", "big-parallel")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RequiredSystemFeatures() (-want +got):\n%s", diff)
	}

	drv.Env = map[string]string{}
	if got := drv.RequiredSystemFeatures(); got.Len() != 0 {
		t.Errorf("RequiredSystemFeatures() = %v with empty environment; want empty", got)
	}
}

func TestOutputPaths(t *testing.T) {
	drv := helloDerivation()
	drv.Outputs["doc"] = &DerivationOutput{Path: "/nix/store/mzhai1fckxjnmanyx0i1x3a4czwzxxks-hello-doc"}
	got := drv.OutputPaths()
	want := []Path{
		"/nix/store/mzhai1fckxjnmanyx0i1x3a4czwzxxks-hello-doc",
		"/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("OutputPaths() (-want +got):\n%s", diff)
	}
}
