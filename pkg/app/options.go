package app

import cliflag "k8s.io/component-base/cli/flag"

// NamedFlagSetOptions is implemented by the options of every command.
type NamedFlagSetOptions interface {
	// Flags returns the command's flags grouped by concern.
	Flags() cliflag.NamedFlagSets

	// Complete fills in values derived from other flags.
	Complete() error

	// Validate reports every invalid option.
	Validate() error
}
