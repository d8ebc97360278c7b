package options

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/autopeer-io/mqttconsole/internal/payload"
)

var _ IOptions = (*PayloadOptions)(nil)

// PayloadOptions configures how outbound payloads are prepared.
type PayloadOptions struct {
	// SchemaFile is a JSON Schema applied to JSON payloads. Empty accepts
	// any JSON object.
	SchemaFile string `json:"schema-file" mapstructure:"schema-file"`

	// Kind is the default payload kind, text or json.
	Kind string `json:"kind" mapstructure:"kind"`
}

func NewPayloadOptions() *PayloadOptions {
	return &PayloadOptions{Kind: string(payload.KindText)}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *PayloadOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if _, err := payload.ParseKind(o.Kind); err != nil {
		errors = append(errors, fmt.Errorf("--payload.kind: %w", err))
	}
	if _, err := o.NewValidator(); err != nil {
		errors = append(errors, fmt.Errorf("--payload.schema-file: %w", err))
	}

	return errors
}

// AddFlags adds flags for PayloadOptions to the specified FlagSet.
func (o *PayloadOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.SchemaFile, "payload.schema-file", o.SchemaFile, "JSON Schema file that JSON payloads must satisfy.")
	fs.StringVar(&o.Kind, "payload.kind", o.Kind, "Default payload kind, text or json.")
}

// NewValidator compiles the configured schema.
func (o *PayloadOptions) NewValidator() (*payload.Validator, error) {
	return payload.NewValidatorFromFile(o.SchemaFile)
}
