package rubric

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// FromYAML decodes a rubric from its YAML form. Decoding is strict so typos
// in field names fail loudly instead of silently dropping criteria config.
// The result is normalized and validated.
func FromYAML(data []byte) (Rubric, error) {
	var r Rubric
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&r); err != nil {
		return Rubric{}, fmt.Errorf("decode rubric yaml: %w", err)
	}
	r.Normalize()
	if err := r.Validate(); err != nil {
		return Rubric{}, err
	}
	return r, nil
}

// ToYAML encodes the rubric for export.
func (r Rubric) ToYAML() ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(r); err != nil {
		return nil, fmt.Errorf("encode rubric yaml: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("flush rubric yaml: %w", err)
	}
	return buf.Bytes(), nil
}
