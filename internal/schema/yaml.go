package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlEntity mirrors one entity block in a schema.yaml file.
type yamlEntity struct {
	Fields    map[string]FieldSpec `yaml:"fields"`
	Relations map[string]Relation  `yaml:"relations,omitempty"`
}

type yamlFile struct {
	Entities map[string]yamlEntity `yaml:"entities"`
}

// ParseYAML builds a schema from a YAML document of the form:
//
//	entities:
//	  users:
//	    fields:
//	      name: {type: string}
//	      likes: {type: number, default: 0}
//	    relations:
//	      org: {kind: one, target: orgs, localColumn: orgId}
//	  orgs:
//	    fields:
//	      name: {type: string}
//	    relations:
//	      users: {kind: many, target: users, foreignColumn: orgId}
func ParseYAML(data []byte) (*Schema, error) {
	var f yamlFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("schema: invalid yaml: %w", err)
	}
	if len(f.Entities) == 0 {
		return nil, fmt.Errorf("schema: no entities declared")
	}
	entities := make([]*Entity, 0, len(f.Entities))
	for name, ye := range f.Entities {
		entities = append(entities, &Entity{
			Name:      name,
			Fields:    ye.Fields,
			Relations: ye.Relations,
		})
	}
	return New(entities...)
}

// LoadFile reads and parses a schema.yaml from disk.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return ParseYAML(data)
}
