package app

import (
	cliflag "k8s.io/component-base/cli/flag"
)

// CliOptions abstracts configuration options for reading parameters from the
// command line.
type CliOptions interface {
	// Flags returns flags for a specific server by section name.
	Flags() cliflag.NamedFlagSets

	// Complete fills in any fields not set that are required to have valid data.
	Complete() error

	// Validate checks Options and return a slice of found errs.
	Validate() error
}

// NamedFlagSetOptions is kept as the name command packages assert against.
type NamedFlagSetOptions = CliOptions
