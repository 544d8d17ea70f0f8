package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/studiowebux/stompload/internal/types"
)

func TestVariableResolver_Precedence(t *testing.T) {
	vr := NewVariableResolver(
		map[string]string{"host": "cli-host"},
		map[string]string{"host": "file-host", "port": "61614"},
		map[string]string{"TOKEN": "secret"},
	)

	got := vr.Resolve("ws://{{host}}:{{ port }}/stomp?t={{env.TOKEN}}")
	if got != "ws://cli-host:61614/stomp?t=secret" {
		t.Errorf("Unexpected resolution: %s", got)
	}
	if len(vr.GetUnresolvedVariables()) != 0 {
		t.Errorf("Expected no unresolved variables, got %v", vr.GetUnresolvedVariables())
	}
}

func TestVariableResolver_Unresolved(t *testing.T) {
	vr := NewVariableResolver(nil, nil, nil)

	got := vr.Resolve("{{a}} {{env.B}} {{a}}")
	if got != "{{a}} {{env.B}} {{a}}" {
		t.Errorf("Expected placeholders kept, got %s", got)
	}
	if strings.Join(vr.GetUnresolvedVariables(), ",") != "a,env.B" {
		t.Errorf("Unexpected unresolved list: %v", vr.GetUnresolvedVariables())
	}
}

func TestVariableResolver_ResolveScenario(t *testing.T) {
	vr := NewVariableResolver(map[string]string{"dest": "/topic/a", "name": "Joe"}, nil, map[string]string{"TOKEN": "t"})
	s := &types.Scenario{
		URL:         "ws://localhost/stomp",
		Destination: "{{dest}}",
		Payload:     `{"name":"{{name}}"}`,
		Headers:     map[string]string{"Authorization": "Bearer {{env.TOKEN}}"},
		Expect:      &types.Expectation{Fields: map[string]string{"name": "{{name}}"}},
	}

	if err := vr.ResolveScenario(s); err != nil {
		t.Fatalf("ResolveScenario failed: %v", err)
	}
	if s.Destination != "/topic/a" || s.Payload != `{"name":"Joe"}` {
		t.Errorf("Unexpected scenario: %+v", s)
	}
	if s.Headers["Authorization"] != "Bearer t" || s.Expect.Fields["name"] != "Joe" {
		t.Errorf("Expected headers and expectations resolved: %+v", s)
	}

	s.URL = "ws://{{missing}}/stomp"
	err := vr.ResolveScenario(s)
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("Expected unresolved error, got %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nHOST=localhost\nexport TOKEN=\"abc def\"\nQUOTED='x'\nmalformed\n\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	vars, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	want := map[string]string{"HOST": "localhost", "TOKEN": "abc def", "QUOTED": "x"}
	if len(vars) != len(want) {
		t.Errorf("Expected %d vars, got %v", len(want), vars)
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, vars[k])
		}
	}

	if _, err := LoadEnvFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestExtractVariableNames(t *testing.T) {
	names := ExtractVariableNames("{{a}}/{{ b }}/{{a}}")
	if strings.Join(names, ",") != "a,b" {
		t.Errorf("Unexpected names: %v", names)
	}
}
