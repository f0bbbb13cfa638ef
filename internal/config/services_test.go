package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeServicesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write services file: %v", err)
	}
	return path
}

func TestLoadServices(t *testing.T) {
	path := writeServicesFile(t, `
services:
  - name: harmony/subsetter
    provider_id: asf
    collections:
      - C1234-ASF
    steps:
      - image: harmonyservices/query-cmr:latest
        progress_weight: 1
      - image: harmonyservices/subsetter:latest
        progress_weight: 3
`)

	cfg, err := LoadServices(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(cfg.Chains) != 1 {
		t.Fatalf("Expected 1 chain, got %d", len(cfg.Chains))
	}
	chain := cfg.Chains[0]
	if chain.Name != "harmony/subsetter" {
		t.Errorf("Unexpected chain name %q", chain.Name)
	}
	if len(chain.Steps) != 2 {
		t.Fatalf("Expected 2 steps, got %d", len(chain.Steps))
	}
	if chain.Steps[1].ProgressWeight != 3 {
		t.Errorf("Expected progress weight 3, got %v", chain.Steps[1].ProgressWeight)
	}
}

func TestLoadServicesRejectsEmptyChain(t *testing.T) {
	path := writeServicesFile(t, `
services:
  - name: broken/chain
    steps: []
`)
	if _, err := LoadServices(path); err == nil {
		t.Error("Expected an error for a chain without steps")
	}
}

func TestChainForCollection(t *testing.T) {
	cfg := &ServicesConfig{Chains: []ServiceChain{
		{Name: "a", Collections: []string{"C1"}, Steps: []ServiceStep{{Image: "img-a"}}},
		{Name: "b", Collections: []string{"C2", "C3"}, Steps: []ServiceStep{{Image: "img-b"}}},
	}}

	if chain := cfg.ChainForCollection("C3"); chain == nil || chain.Name != "b" {
		t.Errorf("Expected chain b for C3, got %v", chain)
	}
	if chain := cfg.ChainForCollection("C9"); chain != nil {
		t.Errorf("Expected no chain for C9, got %v", chain)
	}
	if chain := cfg.ChainByName("a"); chain == nil || chain.Name != "a" {
		t.Errorf("Expected chain a by name, got %v", chain)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BOOL", "true")

	if got := GetEnv("TEST_STR", "fallback"); got != "value" {
		t.Errorf("Expected value, got %q", got)
	}
	if got := GetEnv("TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("Expected fallback, got %q", got)
	}
	if got := GetIntEnv("TEST_INT", 7); got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
	if got := GetIntEnv("TEST_MISSING", 7); got != 7 {
		t.Errorf("Expected 7, got %d", got)
	}
	if got := GetBoolEnv("TEST_BOOL", false); !got {
		t.Error("Expected true")
	}
}
