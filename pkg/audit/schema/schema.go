// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package schema reads the topic catalog: for every audit topic a
// JSON-schema-like document describing the fields an event may carry.
// Only the "type" and "properties" keywords are interpreted; property order
// is taken from the source document.
package schema

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-openapi/jsonpointer"
	"gopkg.in/yaml.v3"
)

// IDField is the identity field every audit event carries.
const IDField = "_id"

// Declared property types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Schema describes one node of an event document.
type Schema struct {
	Type       string
	Properties []Property
}

// Property is a named child of an object schema.
type Property struct {
	Name   string
	Schema *Schema
}

// UnmarshalYAML decodes a schema node keeping the order of its properties.
// Duplicate property names keep their first definition.
func (s *Schema) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: schema must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "type":
			if err := value.Decode(&s.Type); err != nil {
				return fmt.Errorf("line %d: invalid type: %w", value.Line, err)
			}
		case "properties":
			if value.Kind != yaml.MappingNode {
				return fmt.Errorf("line %d: properties must be a mapping", value.Line)
			}
			seen := make(map[string]bool, len(value.Content)/2)
			for j := 0; j+1 < len(value.Content); j += 2 {
				name := value.Content[j].Value
				child := &Schema{}
				if err := value.Content[j+1].Decode(child); err != nil {
					return fmt.Errorf("property %q: %w", name, err)
				}
				if seen[name] {
					continue
				}
				seen[name] = true
				s.Properties = append(s.Properties, Property{Name: name, Schema: child})
			}
		}
	}
	return nil
}

// Property returns the child schema named name, or nil.
func (s *Schema) Property(name string) *Schema {
	if s == nil {
		return nil
	}
	for _, p := range s.Properties {
		if p.Name == name {
			return p.Schema
		}
	}
	return nil
}

// IsComposite reports whether values of the schema are objects or arrays.
func (s *Schema) IsComposite() bool {
	if s == nil {
		return false
	}
	return s.Type == TypeObject || s.Type == TypeArray
}

// TopicDefinition is the catalog entry of one topic.
type TopicDefinition struct {
	Schema *Schema `yaml:"schema"`
}

// Catalog maps topic names to their definitions.
type Catalog struct {
	Topics map[string]TopicDefinition `yaml:"topics"`
}

// LoadCatalog reads a catalog file in YAML or JSON.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to read topic catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a catalog document.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse topic catalog: %w", err)
	}
	for name := range c.Topics {
		if strings.TrimSpace(name) == "" {
			return Catalog{}, fmt.Errorf("topic catalog contains an empty topic name")
		}
		if strings.ContainsAny(name, `/\`) {
			return Catalog{}, fmt.Errorf("topic name %q must not contain path separators", name)
		}
	}
	return c, nil
}

// FieldPointers flattens a topic schema into the ordered list of JSON
// pointers of its leaf fields. The identity field always comes first.
// Objects with declared properties are descended into; objects without
// properties and arrays are leaves.
func FieldPointers(s *Schema) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("schema is missing")
	}
	if len(s.Properties) == 0 {
		return nil, fmt.Errorf("schema declares no properties")
	}

	idPointer := "/" + jsonpointer.Escape(IDField)
	pointers := []string{idPointer}
	seen := map[string]bool{idPointer: true}

	var walk func(prefix string, node *Schema)
	walk = func(prefix string, node *Schema) {
		for _, p := range node.Properties {
			pointer := prefix + "/" + jsonpointer.Escape(p.Name)
			if p.Schema != nil && p.Schema.Type != TypeArray && len(p.Schema.Properties) > 0 {
				walk(pointer, p.Schema)
				continue
			}
			if seen[pointer] {
				continue
			}
			seen[pointer] = true
			pointers = append(pointers, pointer)
		}
	}
	walk("", s)
	return pointers, nil
}

// PropertyType returns the declared type of the field at pointer, or "" when
// the schema does not declare one.
func PropertyType(s *Schema, pointer string) string {
	if pointer == "/"+jsonpointer.Escape(IDField) && s.Property(IDField) == nil {
		return TypeString
	}
	p, err := jsonpointer.New(pointer)
	if err != nil {
		return ""
	}
	node := s
	for _, token := range p.DecodedTokens() {
		node = node.Property(token)
		if node == nil {
			return ""
		}
	}
	return node.Type
}
