package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// promptFile is one prompt/<agent>.yaml. Sections compose after the
// persona, separated by blank lines.
type promptFile struct {
	Persona  string   `yaml:"persona"`
	Sections []string `yaml:"sections"`
}

// PromptLibrary serves composed system prompts by agent name.
type PromptLibrary struct {
	prompts map[string]string
}

// LoadPrompts reads every *.yaml under dir/prompt. A missing directory
// yields an empty library; unparseable files contribute warnings.
func LoadPrompts(dir string) (*PromptLibrary, []error) {
	lib := &PromptLibrary{prompts: make(map[string]string)}
	promptDir := filepath.Join(dir, "prompt")
	entries, err := os.ReadDir(promptDir)
	if err != nil {
		if os.IsNotExist(err) {
			return lib, nil
		}
		return lib, []error{fmt.Errorf("read prompt dir: %w", err)}
	}

	var warns []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(promptDir, name))
		if err != nil {
			warns = append(warns, fmt.Errorf("read %s: %w", name, err))
			continue
		}
		var pf promptFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			warns = append(warns, fmt.Errorf("parse %s: %w", name, err))
			continue
		}
		agent := strings.TrimSuffix(name, ".yaml")
		lib.prompts[agent] = compose(pf)
	}
	return lib, warns
}

func compose(pf promptFile) string {
	parts := make([]string, 0, 1+len(pf.Sections))
	if p := strings.TrimSpace(pf.Persona); p != "" {
		parts = append(parts, p)
	}
	for _, s := range pf.Sections {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// SystemPrompt returns the composed prompt for agent and whether one is
// defined.
func (p *PromptLibrary) SystemPrompt(agent string) (string, bool) {
	s, ok := p.prompts[agent]
	return s, ok
}

// Agents lists the defined agent names.
func (p *PromptLibrary) Agents() []string {
	names := make([]string, 0, len(p.prompts))
	for name := range p.prompts {
		names = append(names, name)
	}
	return names
}
