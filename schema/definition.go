package schema

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the serializable form of a Schema, used in YAML files and
// in the schema registry.
//
//	name: user
//	fields:
//	  id: int64
//	  name: str
//	  tags: {type: str, isArray: true}
//	  extra: {isArray: true}
//
// The list form (fields: [{name: id, type: int64}, ...]) is accepted as
// well. In both forms the declaration order is the wire order.
type Definition struct {
	Name    string    `yaml:"name" json:"name"`
	Version int       `yaml:"version,omitempty" json:"version,omitempty"`
	Fields  FieldDefs `yaml:"fields" json:"fields"`
}

// FieldDef is one field of a Definition.
type FieldDef struct {
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type,omitempty" json:"type,omitempty"`
	IsArray bool   `yaml:"isArray,omitempty" json:"isArray,omitempty"`
}

// FieldDefs keeps declaration order through YAML mappings.
type FieldDefs []FieldDef

// fieldBody is the value side of the mapping form.
type fieldBody struct {
	Type    string `yaml:"type"`
	IsArray bool   `yaml:"isArray"`
}

func (fs *FieldDefs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []FieldDef
		if err := node.Decode(&list); err != nil {
			return err
		}
		*fs = list
		return nil
	case yaml.MappingNode:
		out := make(FieldDefs, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			def := FieldDef{Name: key.Value}
			switch value.Kind {
			case yaml.ScalarNode:
				def.Type, def.IsArray = parseShorthand(value.Value)
			case yaml.MappingNode:
				var body fieldBody
				if err := value.Decode(&body); err != nil {
					return fmt.Errorf("line %d: field %q: %w", value.Line, key.Value, err)
				}
				def.Type, def.IsArray = body.Type, body.IsArray
			default:
				return fmt.Errorf("line %d: field %q: expected a type name or a mapping", value.Line, key.Value)
			}
			out = append(out, def)
		}
		*fs = out
		return nil
	default:
		return fmt.Errorf("line %d: fields must be a list or a mapping", node.Line)
	}
}

// MarshalYAML writes the mapping form so files stay short and ordered.
func (fs FieldDefs) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, f := range fs {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: f.Name}
		value := &yaml.Node{Kind: yaml.ScalarNode, Value: shorthand(f)}
		node.Content = append(node.Content, key, value)
	}
	return node, nil
}

// parseShorthand reads "int64", "[]str" or "[]" (an untyped array).
func parseShorthand(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "[]"); ok {
		return rest, true
	}
	if s == "array" {
		return "", true
	}
	return s, false
}

func shorthand(f FieldDef) string {
	if f.IsArray {
		return "[]" + f.Type
	}
	return f.Type
}

// Compile validates the definition and builds its Schema.
func (d Definition) Compile() (*Schema, error) {
	fields := make([]Field, len(d.Fields))
	for i, f := range d.Fields {
		t, err := ParseBaseType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("schema %q field %q: %w", d.Name, f.Name, err)
		}
		fields[i] = Field{Name: f.Name, Spec: FieldSpec{Type: t, IsArray: f.IsArray}}
	}
	s, err := Build(fields...)
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", d.Name, err)
	}
	return s, nil
}

// DefinitionOf describes s under the given name and version.
func DefinitionOf(name string, version int, s *Schema) Definition {
	defs := make(FieldDefs, len(s.fields))
	for i, f := range s.fields {
		def := FieldDef{Name: f.Name, IsArray: f.Spec.IsArray}
		if f.Spec.Type != Unspecified {
			def.Type = f.Spec.Type.String()
		}
		defs[i] = def
	}
	return Definition{Name: name, Version: version, Fields: defs}
}

// ParseDefinition parses a YAML (or JSON) definition.
func ParseDefinition(data []byte) (Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("parsing schema definition: %w", err)
	}
	if d.Name == "" {
		return Definition{}, fmt.Errorf("%w: definition has no name", ErrInvalidSchema)
	}
	return d, nil
}

// LoadDefinition reads and parses a definition file.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("reading schema definition: %w", err)
	}
	d, err := ParseDefinition(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// MarshalDefinition renders d as YAML.
func MarshalDefinition(d Definition) ([]byte, error) {
	return yaml.Marshal(d)
}
