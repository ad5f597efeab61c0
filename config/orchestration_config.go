package config

import (
	"fmt"
)

// recognized orchestration modes
const (
	OrchestrationTypeInProcess   = "in_process"
	OrchestrationTypeDistributed = "distributed"
)

// configuration for the pipeline orchestrator
type orchestrationConfig struct {
	// the orchestration mode ("in_process" or "distributed"); defaults to
	// "in_process"
	Type string `json:"type" yaml:"type"`
	// whether this process subscribes handlers to their step queues; a
	// web-only process sets this false and gets publish-only queue handles
	RunHandlers bool `json:"run_handlers" yaml:"run_handlers"`
	// the default step sequence for uploads that don't name their steps
	DefaultSteps []string `json:"default_steps" yaml:"default_steps"`
}

func validateOrchestrationConfig(params orchestrationConfig) error {
	switch params.Type {
	case "", OrchestrationTypeInProcess, OrchestrationTypeDistributed:
	default:
		return fmt.Errorf("Invalid orchestration type: %q", params.Type)
	}
	for i, step := range params.DefaultSteps {
		if step == "" {
			return fmt.Errorf("Default step %d has an empty name", i)
		}
		if i > 0 && params.DefaultSteps[i-1] == step {
			return fmt.Errorf("Default step %q appears twice in a row", step)
		}
	}
	return nil
}
