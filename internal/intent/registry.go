package intent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk shape of a question-tool registry.
type registryFile struct {
	QuestionTools []string `yaml:"question_tools"`
}

// LoadRegistry merges the configured question-tool names with an optional
// YAML registry file. Missing path is not an error; a malformed file is.
func LoadRegistry(configured []string, path string) ([]string, error) {
	tools := append([]string(nil), configured...)
	if path == "" {
		return tools, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tools, nil
		}
		return nil, fmt.Errorf("failed to read question-tool registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse question-tool registry: %w", err)
	}

	seen := make(map[string]struct{}, len(tools))
	for _, name := range tools {
		seen[name] = struct{}{}
	}
	for _, name := range file.QuestionTools {
		if _, ok := seen[name]; !ok {
			tools = append(tools, name)
			seen[name] = struct{}{}
		}
	}
	return tools, nil
}
