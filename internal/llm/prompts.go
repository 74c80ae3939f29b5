package llm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PromptOverrides maps task names to replacement system prompts, letting
// operators tune prompt wording without a rebuild.
type PromptOverrides map[string]string

type overridesFile struct {
	Prompts map[string]string `yaml:"prompts"`
}

// LoadPromptOverrides reads a YAML file of per-task system prompts. An empty
// path returns an empty map.
func LoadPromptOverrides(path string) (PromptOverrides, error) {
	if path == "" {
		return PromptOverrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt overrides: %w", err)
	}
	var f overridesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompt overrides: %w", err)
	}
	if f.Prompts == nil {
		f.Prompts = map[string]string{}
	}
	return PromptOverrides(f.Prompts), nil
}

// Apply returns the task with its system prompt replaced when an override
// for its name exists.
func (o PromptOverrides) Apply(task Task) Task {
	if prompt, ok := o[task.Name]; ok && prompt != "" {
		task.SystemPrompt = prompt
	}
	return task
}
