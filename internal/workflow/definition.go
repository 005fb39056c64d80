package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is a named task list as read from a file or an API request.
type Definition struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Tasks       []TaskSpec `json:"tasks" yaml:"tasks"`
}

// ParseDefinition decodes a JSON or YAML definition. JSON is detected by a
// leading brace.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &def); err != nil {
			return nil, fmt.Errorf("parse json definition: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse yaml definition: %w", err)
		}
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("definition name is required")
	}
	for i := range def.Tasks {
		if def.Tasks[i].Name == "" {
			def.Tasks[i].Name = def.Tasks[i].ID
		}
	}
	return &def, nil
}

// LoadDefinition reads a definition file from disk.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}
