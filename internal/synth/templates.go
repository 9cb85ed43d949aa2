package synth

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"sieve/internal/services"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Styles a template may declare.
const (
	StyleUserStory = "user-story"
	StyleBugReport = "bug-report"
)

// Template shapes the synthesis prompt and output limits.
type Template struct {
	Name                  string `yaml:"name"`
	Style                 string `yaml:"style"`
	MaxAcceptanceCriteria int    `yaml:"max_acceptance_criteria"`
	Tone                  string `yaml:"tone"`
	System                string `yaml:"system"`
	Instructions          string `yaml:"instructions"`
	StrictSuffix          string `yaml:"strict_suffix"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// Catalog maps template names to templates.
type Catalog map[string]Template

// LoadCatalog returns the embedded templates, overlaid by the templates in
// overridePath when it is set. A missing override file is an error.
func LoadCatalog(overridePath string) (Catalog, error) {
	catalog := Catalog{}
	if err := catalog.merge(defaultTemplates, "embedded templates"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(overridePath) == "" {
		return catalog, nil
	}
	data, err := os.ReadFile(overridePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrFatalConfig, "synth", "templates", "template file not found: "+overridePath, err)
		}
		return nil, fmt.Errorf("read templates: %w", err)
	}
	if err := catalog.merge(data, overridePath); err != nil {
		return nil, err
	}
	return catalog, nil
}

func (c Catalog) merge(data []byte, origin string) error {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return services.Wrap(services.ErrFatalConfig, "synth", "templates", "parse "+origin, err)
	}
	for _, tmpl := range file.Templates {
		tmpl.Name = strings.TrimSpace(tmpl.Name)
		if tmpl.Name == "" {
			return services.Wrap(services.ErrFatalConfig, "synth", "templates", origin+": template without a name", nil)
		}
		switch tmpl.Style {
		case StyleUserStory, StyleBugReport:
		default:
			return services.Wrap(services.ErrFatalConfig, "synth", "templates",
				fmt.Sprintf("%s: template %s has unknown style %q", origin, tmpl.Name, tmpl.Style), nil)
		}
		if tmpl.MaxAcceptanceCriteria <= 0 {
			tmpl.MaxAcceptanceCriteria = 5
		}
		c[tmpl.Name] = tmpl
	}
	return nil
}

// Get returns the named template. Unknown names are fatal configuration errors.
func (c Catalog) Get(name string) (Template, error) {
	tmpl, ok := c[name]
	if !ok {
		return Template{}, services.Wrap(services.ErrFatalConfig, "synth", "templates",
			fmt.Sprintf("unknown template %q (known: %s)", name, strings.Join(c.Names(), ", ")), nil)
	}
	return tmpl, nil
}

// Names lists template names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
