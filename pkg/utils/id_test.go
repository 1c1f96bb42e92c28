package utils

import (
	"strings"
	"testing"
)

func TestGenerateJobID(t *testing.T) {
	id := GenerateJobID()
	if !strings.HasPrefix(id, "job-") {
		t.Fatalf("expected job- prefix, got %s", id)
	}
	// job-20060102-150405-xxxxxxxx
	parts := strings.Split(id, "-")
	if len(parts) != 4 {
		t.Fatalf("unexpected ID shape: %s", id)
	}
	if len(parts[3]) != 8 {
		t.Fatalf("expected 8-hex suffix, got %s", parts[3])
	}
}

func TestGenerateJobIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateJobID()
		if seen[id] {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = true
	}
}

func TestGenerateScenarioID(t *testing.T) {
	if id := GenerateScenarioID(); !strings.HasPrefix(id, "scn-") {
		t.Fatalf("expected scn- prefix, got %s", id)
	}
}
