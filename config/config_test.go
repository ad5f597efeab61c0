package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// a minimal valid configuration with the given orchestration type
func configWithOrchestrationType(t *testing.T, orchestrationType string) []byte {
	t.Helper()
	return []byte(fmt.Sprintf(`
service:
  name: dms-test
  data_dir: %s
orchestration:
  type: %s
`, t.TempDir(), orchestrationType))
}

// tests whether each recognized orchestration mode is accepted, including
// an omitted one
func TestInitAcceptsRecognizedOrchestrationTypes(t *testing.T) {
	for _, orchestrationType := range []string{
		"", OrchestrationTypeInProcess, OrchestrationTypeDistributed,
	} {
		err := Init(configWithOrchestrationType(t, orchestrationType))
		assert.Nil(t, err, "The orchestration type %q wasn't accepted.", orchestrationType)
	}
}

// tests whether misspelled orchestration modes are rejected at startup;
// the underscored spellings are the only recognized ones
func TestInitRejectsUnknownOrchestrationTypes(t *testing.T) {
	for _, orchestrationType := range []string{"in-process", "inprocess", "local", "queued"} {
		err := Init(configWithOrchestrationType(t, orchestrationType))
		assert.NotNil(t, err, "The orchestration type %q wasn't rejected.", orchestrationType)
	}
}

// tests whether a configuration without a data directory is rejected
func TestInitRequiresDataDirectory(t *testing.T) {
	err := Init([]byte("service:\n  name: dms-test\n"))
	assert.NotNil(t, err, "A configuration without a data directory wasn't rejected.")
}
