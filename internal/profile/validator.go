package profile

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/instrument-profile-v1.json
var instrumentProfileSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("instrument-profile-v1.json",
		strings.NewReader(instrumentProfileSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("instrument-profile-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateProfile checks a JSON encoded profile against the schema and the
// cross-reference rules the schema cannot express.
func (v *Validator) ValidateProfile(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	var profile types.InstrumentProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return checkConsistency(&profile)
}

func (v *Validator) ValidateProfileDefinition(profile *types.InstrumentProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	return v.ValidateProfile(data)
}

func checkConsistency(p *types.InstrumentProfile) error {
	devices := make(map[string]bool)
	for _, dev := range p.Devices {
		if devices[dev.Name] {
			return fmt.Errorf("duplicate device %q", dev.Name)
		}
		devices[dev.Name] = true

		channels := make(map[string]bool)
		scan := make(map[int]string)
		for _, ch := range dev.Channels {
			key := fmt.Sprintf("%s/%t", ch.ID, ch.Output)
			if channels[key] {
				return fmt.Errorf("device %s: duplicate channel %s", dev.Name, ch.ID)
			}
			channels[key] = true

			if ch.Scan != nil {
				if ch.Scan.Bits+ch.Scan.Shift > ch.Scan.Storage {
					return fmt.Errorf("device %s channel %s: %d bits shifted by %d do not fit %d bit storage",
						dev.Name, ch.ID, ch.Scan.Bits, ch.Scan.Shift, ch.Scan.Storage)
				}
				if other, ok := scan[ch.Scan.Index]; ok {
					return fmt.Errorf("device %s: scan index %d used by %s and %s", dev.Name, ch.Scan.Index, other, ch.ID)
				}
				scan[ch.Scan.Index] = ch.ID
			}

			if err := checkAttributes(ch.Attributes); err != nil {
				return fmt.Errorf("device %s channel %s: %w", dev.Name, ch.ID, err)
			}
		}
		if err := checkAttributes(dev.Attributes); err != nil {
			return fmt.Errorf("device %s: %w", dev.Name, err)
		}
	}
	return checkAttributes(p.Context)
}

func checkAttributes(attrs []types.AttributeDefinition) error {
	seen := make(map[string]bool)
	for _, a := range attrs {
		if seen[a.Name] {
			return fmt.Errorf("duplicate attribute %q", a.Name)
		}
		seen[a.Name] = true
		if len(a.Options) == 0 {
			continue
		}
		found := false
		for _, o := range a.Options {
			if o == a.Default {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("attribute %q: default %q is not one of %v", a.Name, a.Default, a.Options)
		}
	}
	return nil
}
