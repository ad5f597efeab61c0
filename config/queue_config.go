package config

import (
	"fmt"
)

// recognized queue backends
const (
	QueueTypeFileBased  = "file_based"
	QueueTypeAzureQueue = "azure_queue"
	QueueTypeRabbitMQ   = "rabbitmq"
)

// configuration for the queue subsystem
type queuesConfig struct {
	// the queue backend ("file_based", "azure_queue", or "rabbitmq");
	// defaults to "file_based"
	Type string `json:"type" yaml:"type"`
	// root directory for file-based queues; defaults to <data_dir>/queues
	// when empty
	Directory string `json:"directory" yaml:"directory"`
	// connection string for broker backends
	ConnectionString string `json:"connection_string" yaml:"connection_string"`
	// number of transient failures tolerated before a message moves to the
	// poison queue (a message is delivered MaxRetriesBeforePoison+1 times)
	MaxRetriesBeforePoison int `json:"max_retries" yaml:"max_retries"`
	// maximum number of messages fetched by one polling pass
	FetchBatchSize int `json:"fetch_batch_size" yaml:"fetch_batch_size"`
	// visibility timeout: how long a fetched message stays locked (seconds)
	FetchLockSeconds int `json:"fetch_lock_seconds" yaml:"fetch_lock_seconds"`
	// pause between polling passes (milliseconds)
	PollDelayMsecs int `json:"poll_delay_msecs" yaml:"poll_delay_msecs"`
	// suffix appended to a queue's name to form its poison queue's name
	PoisonSuffix string `json:"poison_suffix" yaml:"poison_suffix"`
}

func validateQueuesConfig(params queuesConfig) error {
	switch params.Type {
	case "", QueueTypeFileBased, QueueTypeAzureQueue, QueueTypeRabbitMQ:
	default:
		return fmt.Errorf("Invalid queue type: %q", params.Type)
	}
	if params.MaxRetriesBeforePoison < 0 {
		return fmt.Errorf("Invalid max_retries: %d (must be non-negative)",
			params.MaxRetriesBeforePoison)
	}
	if params.FetchBatchSize <= 0 {
		return fmt.Errorf("Invalid fetch_batch_size: %d (must be positive)",
			params.FetchBatchSize)
	}
	if params.FetchLockSeconds <= 0 {
		return fmt.Errorf("Invalid fetch_lock_seconds: %d (must be positive)",
			params.FetchLockSeconds)
	}
	if params.PollDelayMsecs <= 0 {
		return fmt.Errorf("Invalid poll_delay_msecs: %d (must be positive)",
			params.PollDelayMsecs)
	}
	if params.PoisonSuffix == "" {
		return fmt.Errorf("No poison queue suffix was specified!")
	}
	return nil
}
