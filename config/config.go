package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// a type with service configuration parameters
type serviceConfig struct {
	// a name distinguishing this deployment (used in data file names)
	Name string `json:"name" yaml:"name"`
	// port on which the service listens
	Port int `json:"port" yaml:"port"`
	// maximum number of allowed incoming connections
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
	// directory in which the service keeps its persistent data
	DataDirectory string `json:"data_dir" yaml:"data_dir"`
}

// global config variables
var Service serviceConfig
var Storage storageConfig
var Queues queuesConfig
var Orchestration orchestrationConfig
var Memory memoryConfig

// This struct performs the unmarshalling from the YAML config file and then
// copies its fields to the globals above.
type configFile struct {
	Service       serviceConfig       `yaml:"service"`
	Storage       storageConfig       `yaml:"storage"`
	Queues        queuesConfig        `yaml:"queues"`
	Orchestration orchestrationConfig `yaml:"orchestration"`
	Memory        memoryConfig        `yaml:"memory"`
}

// This helper reads a configuration from YAML byte data, returning an error
// indicating success or failure. All environment variables of the form
// ${ENV_VAR} are expanded.
func readConfig(bytes []byte) error {
	// Before we do anything else, expand any provided environment variables.
	bytes = []byte(os.ExpandEnv(string(bytes)))

	var conf configFile
	conf.Service.Port = 9001
	conf.Service.MaxConnections = 100
	conf.Queues.MaxRetriesBeforePoison = 1
	conf.Queues.FetchBatchSize = 3
	conf.Queues.FetchLockSeconds = 300
	conf.Queues.PollDelayMsecs = 100
	conf.Queues.PoisonSuffix = "-poison"
	conf.Orchestration.RunHandlers = true
	conf.Memory.EmbeddingGenerationEnabled = true
	err := yaml.Unmarshal(bytes, &conf)
	if err != nil {
		log.Printf("Couldn't parse configuration data: %s\n", err)
		return err
	}

	// copy the config data into place
	Service = conf.Service
	Storage = conf.Storage
	Queues = conf.Queues
	Orchestration = conf.Orchestration
	Memory = conf.Memory

	return err
}

// This helper validates the given service parameters, returning an
// error indicating success or failure.
func validateServiceParameters(params serviceConfig) error {
	if params.Port < 0 || params.Port > 65535 {
		return fmt.Errorf("Invalid port: %d (must be 0-65535)", params.Port)
	}
	if params.MaxConnections <= 0 {
		return fmt.Errorf("Invalid max_connections: %d (must be positive)",
			params.MaxConnections)
	}
	if params.DataDirectory == "" {
		return fmt.Errorf("No data directory was specified!")
	}
	return nil
}

// This helper validates the configuration, returning an error that indicates
// success or failure.
func validateConfig() error {
	err := validateServiceParameters(Service)
	if err != nil {
		return err
	}
	if err = validateStorageConfig(Storage); err != nil {
		return err
	}
	if err = validateQueuesConfig(Queues); err != nil {
		return err
	}
	if err = validateOrchestrationConfig(Orchestration); err != nil {
		return err
	}
	return validateMemoryConfig(Memory)
}

// Initializes the document memory service configuration using the given
// YAML byte data.
func Init(yamlData []byte) error {

	// Read the configuration from our YAML data.
	err := readConfig(yamlData)
	if err != nil {
		return err
	}

	// Validate the configuration.
	return validateConfig()
}
