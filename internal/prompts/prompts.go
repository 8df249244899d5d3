// Package prompts renders step prompts from YAML-defined templates.
package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

var ErrUnknownTemplate = errors.New("unknown prompt template")

type file struct {
	Templates map[string]struct {
		System string `yaml:"system"`
		User   string `yaml:"user"`
	} `yaml:"templates"`
}

type pair struct {
	system *template.Template
	user   *template.Template
}

// Builder holds parsed templates keyed by "<step>.<variant>".
type Builder struct {
	templates map[string]pair
}

// Default returns the builder for the embedded templates.
func Default() (*Builder, error) {
	return Parse(defaultTemplates)
}

// Load reads templates from path, or the embedded set when path is empty.
func Load(path string) (*Builder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Builder, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode prompts yaml: %w", err)
	}
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("prompts yaml defines no templates")
	}

	b := &Builder{templates: make(map[string]pair, len(f.Templates))}
	for name, tpl := range f.Templates {
		system, err := template.New(name + ".system").Option("missingkey=error").Parse(tpl.System)
		if err != nil {
			return nil, fmt.Errorf("parse %s system template: %w", name, err)
		}
		user, err := template.New(name + ".user").Option("missingkey=error").Parse(tpl.User)
		if err != nil {
			return nil, fmt.Errorf("parse %s user template: %w", name, err)
		}
		b.templates[name] = pair{system: system, user: user}
	}
	return b, nil
}

func (b *Builder) Names() []string {
	out := make([]string, 0, len(b.templates))
	for name := range b.templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (b *Builder) Render(name string, vars map[string]string) (string, string, error) {
	p, ok := b.templates[name]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	var system, user strings.Builder
	if err := p.system.Execute(&system, vars); err != nil {
		return "", "", fmt.Errorf("render %s: %w", name, err)
	}
	if err := p.user.Execute(&user, vars); err != nil {
		return "", "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(system.String()), strings.TrimSpace(user.String()), nil
}
