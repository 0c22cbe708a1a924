package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/doxops/orchestrator/types"
)

// LoadFromFile parses a single YAML rule definition and registers it.
// Returns the number of rules loaded (1 on success).
func (r *Registry) LoadFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, &ConfigurationError{Msg: fmt.Sprintf("rule file not found: %s", path), Err: err}
	}

	rule, err := ParseRule(data)
	if err != nil {
		return 0, err
	}
	if err := r.Register(rule); err != nil {
		return 0, err
	}
	return 1, nil
}

// LoadFromDirectory loads every *.yaml and *.yml rule file in dir.
// Loading is best effort: a bad file is logged and skipped, the rest
// still load. Returns the number of rules loaded.
func (r *Registry) LoadFromDirectory(dir string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		paths = append(paths, matches...)
	}

	loaded := 0
	for _, path := range paths {
		n, err := r.LoadFromFile(path)
		if err != nil {
			logger.Warn("skipping workflow rule file", "path", path, "error", err)
			continue
		}
		loaded += n
	}
	return loaded
}

// ParseRule decodes YAML rule data into a WorkflowRule without
// registering it. Decode failures and enum violations surface as
// ConfigurationError; structural checks happen at registration.
func ParseRule(data []byte) (*types.WorkflowRule, error) {
	var rule types.WorkflowRule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("invalid YAML: %v", err), Err: err}
	}
	if rule.Version == "" {
		return nil, configErr(rule.Name, "version", "rule version is required")
	}
	if rule.Description == "" {
		return nil, configErr(rule.Name, "description", "rule description is required")
	}
	if rule.Priority == "" {
		return nil, configErr(rule.Name, "priority", "rule priority is required")
	}
	return &rule, nil
}
