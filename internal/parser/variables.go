package parser

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/studiowebux/stompload/internal/types"
)

// Variable placeholder pattern: {{varName}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// VariableResolver substitutes {{name}} and {{env.NAME}} placeholders
type VariableResolver struct {
	// cliVars take precedence over fileVars
	cliVars    map[string]string
	fileVars   map[string]string
	envVars    map[string]string
	unresolved []string
}

// NewVariableResolver creates a resolver; any map may be nil
func NewVariableResolver(cliVars, fileVars, envVars map[string]string) *VariableResolver {
	if cliVars == nil {
		cliVars = make(map[string]string)
	}
	if fileVars == nil {
		fileVars = make(map[string]string)
	}
	if envVars == nil {
		envVars = make(map[string]string)
	}
	return &VariableResolver{
		cliVars:  cliVars,
		fileVars: fileVars,
		envVars:  envVars,
	}
}

// GetUnresolvedVariables returns the unique names that could not be resolved
func (vr *VariableResolver) GetUnresolvedVariables() []string {
	seen := make(map[string]bool)
	unique := []string{}
	for _, v := range vr.unresolved {
		if !seen[v] {
			seen[v] = true
			unique = append(unique, v)
		}
	}
	sort.Strings(unique)
	return unique
}

// Resolve replaces every known placeholder in input
func (vr *VariableResolver) Resolve(input string) string {
	return varPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])

		if strings.HasPrefix(varName, "env.") {
			if value, ok := vr.envVars[varName[4:]]; ok {
				return value
			}
			vr.unresolved = append(vr.unresolved, varName)
			return match
		}

		if value, ok := vr.cliVars[varName]; ok {
			return value
		}
		if value, ok := vr.fileVars[varName]; ok {
			return value
		}

		vr.unresolved = append(vr.unresolved, varName)
		return match
	})
}

// ResolveScenario substitutes placeholders in every string field a
// scenario can template. It fails when a placeholder stays unresolved.
func (vr *VariableResolver) ResolveScenario(s *types.Scenario) error {
	vr.unresolved = nil

	s.URL = vr.Resolve(s.URL)
	s.Destination = vr.Resolve(s.Destination)
	s.SendDestination = vr.Resolve(s.SendDestination)
	s.Payload = vr.Resolve(s.Payload)
	s.WarmupURL = vr.Resolve(s.WarmupURL)
	for key, value := range s.Headers {
		s.Headers[key] = vr.Resolve(value)
	}
	if s.Expect != nil {
		s.Expect.Exact = vr.Resolve(s.Expect.Exact)
		for expr, want := range s.Expect.Fields {
			s.Expect.Fields[expr] = vr.Resolve(want)
		}
	}

	if missing := vr.GetUnresolvedVariables(); len(missing) > 0 {
		return fmt.Errorf("unresolved variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ExtractVariableNames extracts all unique variable names from a string
// Returns variable names without the {{ }} brackets
func ExtractVariableNames(input string) []string {
	matches := varPattern.FindAllStringSubmatch(input, -1)
	seen := make(map[string]bool)
	var names []string
	for _, match := range matches {
		if len(match) > 1 {
			name := strings.TrimSpace(match[1])
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// LoadEnvFile loads KEY=value pairs from a .env file
func LoadEnvFile(path string) (map[string]string, error) {
	envVars := make(map[string]string)

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(strings.TrimPrefix(parts[0], "export "))
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		envVars[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading env file: %w", err)
	}

	return envVars, nil
}

// LoadSystemEnv loads all process environment variables
func LoadSystemEnv() map[string]string {
	envVars := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envVars[parts[0]] = parts[1]
		}
	}
	return envVars
}
