package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/studiowebux/stompload/internal/types"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ScenarioExtensions lists the file types a scenario can be read from, in
// lookup order for extension-less names
var ScenarioExtensions = []string{".yaml", ".yml", ".json", ".jsonc"}

// ParseScenarioFile reads one scenario from a YAML, JSON or JSONC file
func ParseScenarioFile(filePath string) (*types.Scenario, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	s, err := ParseScenario(data, DetectFormat(filePath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}

	if s.Name == "" {
		base := filepath.Base(filePath)
		s.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return s, nil
}

// ParseScenario decodes data in the given format ("yaml", "json" or "jsonc")
func ParseScenario(data []byte, format string) (*types.Scenario, error) {
	var s types.Scenario

	switch format {
	case "json", "jsonc":
		// jsonc.ToJSON strips comments and trailing commas
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported file format: %s", format)
	}

	return &s, nil
}

// DetectFormat maps a file extension to a parser format.
// Unknown extensions are sniffed: "{" means JSON, anything else YAML.
func DetectFormat(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		return "json"
	case ".jsonc":
		return "jsonc"
	case ".yaml", ".yml":
		return "yaml"
	}

	data, err := os.ReadFile(filePath)
	if err == nil && strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		return "jsonc"
	}
	return "yaml"
}

// ResolveScenarioPath finds a scenario by path or by name inside dir.
// A bare name is tried with each of ScenarioExtensions.
func ResolveScenarioPath(name, dir string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}

	if filepath.IsAbs(name) || dir == "" {
		return "", fmt.Errorf("scenario not found: %s", name)
	}

	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	if filepath.Ext(name) == "" {
		for _, ext := range ScenarioExtensions {
			if _, err := os.Stat(candidate + ext); err == nil {
				return candidate + ext, nil
			}
		}
	}

	return "", fmt.Errorf("scenario not found: %s (looked in %s)", name, dir)
}

// ListScenarios returns the scenario files in dir, sorted by name
func ListScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, known := range ScenarioExtensions {
			if ext == known {
				files = append(files, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}
	return files, nil
}
