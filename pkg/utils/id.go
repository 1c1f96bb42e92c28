package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateJobID generates a job ID with a timestamp prefix for readability
// in logs and listings. Uniqueness comes from the UUID suffix.
func GenerateJobID() string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("job-%s-%s", timestamp, shortUUID())
}

// GenerateScenarioID generates a scenario ID
func GenerateScenarioID() string {
	return fmt.Sprintf("scn-%s", shortUUID())
}

// GenerateTraceID generates a full-length trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

func shortUUID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:4])
}
