// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import "hearth.build/pkg/sets"

// LocalMandatoryFeature is the mandatory machine feature
// satisfied by steps that prefer to build locally.
const LocalMandatoryFeature = "local"

// A Machine describes a build machine the dispatcher can hand steps to.
type Machine struct {
	// Name identifies the machine, e.g. an SSH destination.
	Name string
	// Systems is the set of platform tuples the machine can build for.
	Systems sets.Set[string]
	// SupportedFeatures are the system features the machine provides.
	SupportedFeatures sets.Set[string]
	// MandatoryFeatures are features a step must require
	// for the machine to accept it.
	MandatoryFeatures sets.Set[string]

	// MaxJobs and SpeedFactor inform dispatcher placement decisions.
	MaxJobs     int
	SpeedFactor float64
}

// SupportsStep reports whether the machine can run the given step:
// the machine must build for the step's platform,
// every mandatory machine feature must be required by the step
// (or be [LocalMandatoryFeature] when the step prefers a local build),
// and every feature the step requires must be supported.
func (m *Machine) SupportsStep(step *Step) bool {
	drv := step.Derivation()
	if drv == nil || !m.Systems.Has(drv.System) {
		return false
	}
	for f := range m.MandatoryFeatures.All() {
		if !step.requiredSystemFeatures.Has(f) &&
			!(step.preferLocalBuild && f == LocalMandatoryFeature) {
			return false
		}
	}
	for f := range step.requiredSystemFeatures.All() {
		if !m.SupportedFeatures.Has(f) {
			return false
		}
	}
	return true
}
