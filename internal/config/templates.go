package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/teacherly/plansync/internal/entity"
)

// Template is a reusable starting point for a planning document, authored
// as a TOML file in the templates directory:
//
//	name = "daily-reflection"
//	type = "daybook-entry"
//
//	[fields]
//	nextSteps = "Carry over yesterday's next steps"
type Template struct {
	Name   string         `toml:"name"`
	Type   string         `toml:"type"`
	Fields map[string]any `toml:"fields"`
}

// Validate checks the template names a known entity type.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if !entity.Type(t.Type).Valid() {
		return fmt.Errorf("template %s: unknown entity type %q", t.Name, t.Type)
	}
	return nil
}

// Payload renders the template into a change payload, overlaying the
// caller's values on top of the template's fields.
func (t *Template) Payload(overrides map[string]any) (entity.ChangePayload, error) {
	doc := make(map[string]any, len(t.Fields)+len(overrides))
	for k, v := range t.Fields {
		doc[k] = v
	}
	for k, v := range overrides {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return entity.ChangePayload{}, fmt.Errorf("failed to render template %s: %w", t.Name, err)
	}
	return entity.ChangePayload{Type: entity.Type(t.Type), Data: data}, nil
}

// TemplatesDir returns the templates directory under the data dir.
func (c *Config) TemplatesDir() string {
	return filepath.Join(c.Data.Dir, "templates")
}

// LoadTemplates reads every *.toml template in the directory. Invalid
// files are reported together rather than silently skipped.
func LoadTemplates(dir string) (map[string]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Template{}, nil
		}
		return nil, fmt.Errorf("failed to read templates directory: %w", err)
	}

	templates := make(map[string]*Template)
	var problems []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}

		path := filepath.Join(dir, e.Name())
		var t Template
		if _, err := toml.DecodeFile(path, &t); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		if err := t.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		templates[t.Name] = &t
	}

	if len(problems) > 0 {
		return templates, fmt.Errorf("invalid templates: %s", strings.Join(problems, "; "))
	}
	return templates, nil
}
