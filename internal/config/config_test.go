package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitialize_HomeOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "home")
	t.Setenv(HomeEnv, dir)

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if ConfigDir != dir {
		t.Errorf("Expected config dir %s, got %s", dir, ConfigDir)
	}
	if DatabasePath != filepath.Join(dir, "stompload.db") {
		t.Errorf("Unexpected database path %s", DatabasePath)
	}
	if info, err := os.Stat(ScenariosDir); err != nil || !info.IsDir() {
		t.Errorf("Expected scenarios dir to exist: %v", err)
	}
	if BrokerConfigExists() {
		t.Error("Expected no broker config in a fresh home")
	}
}

func TestInitialize_DefaultHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, "")
	t.Setenv("HOME", home)

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if ConfigDir != filepath.Join(home, ".stompload") {
		t.Errorf("Expected ~/.stompload, got %s", ConfigDir)
	}
}

func TestGetScenariosDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	ScenariosDir = "/global/scenarios"

	got, err := GetScenariosDirectory("")
	if err != nil || got != "/global/scenarios" {
		t.Errorf("Expected global dir, got %s, %v", got, err)
	}

	got, err = GetScenariosDirectory("~/load")
	if err != nil || got != filepath.Join(home, "load") {
		t.Errorf("Expected expanded dir, got %s, %v", got, err)
	}

	got, err = GetScenariosDirectory("./local")
	if err != nil || got != "./local" {
		t.Errorf("Expected relative dir untouched, got %s, %v", got, err)
	}
}
