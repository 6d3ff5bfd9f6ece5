package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/sentinel/internal/errors"
)

// Format is the encoding of a plan document.
type Format string

// Supported plan encodings
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from a file extension, defaulting to JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes a plan, turns reference strings into typed References and
// validates the result.
func Parse(data []byte, format Format) (*Plan, error) {
	var p Plan
	var err error
	if format == FormatYAML {
		err = yaml.Unmarshal(data, &p)
	} else {
		err = json.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileUnmarshal, fmt.Sprintf("decode %s plan", format), err)
	}

	p.bindReferences()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFileNotFoundError(path)
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "read plan file", err)
	}
	return Parse(data, FormatFor(path))
}

// Save writes the plan to path, encoding by extension.
func (p *Plan) Save(path string) error {
	var data []byte
	var err error
	if FormatFor(path) == FormatYAML {
		data, err = yaml.Marshal(p)
	} else {
		data, err = json.MarshalIndent(p, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write plan file: %w", err)
	}
	return nil
}

// bindReferences replaces reference strings in every step's args.
func (p *Plan) bindReferences() {
	for i := range p.Steps {
		if p.Steps[i].Args != nil {
			p.Steps[i].Args = ParseReferences(p.Steps[i].Args).(map[string]any)
		}
	}
}

// New builds a validated plan from steps, binding references in their args.
func New(id string, steps ...Step) (*Plan, error) {
	p := &Plan{ID: id, Steps: steps}
	p.bindReferences()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
