package config

import (
	"fmt"
)

// recognized embedding generator types
const (
	EmbeddingGeneratorTypeOpenAI      = "openai"
	EmbeddingGeneratorTypeAzureOpenAI = "azure_openai"
	EmbeddingGeneratorTypeLocal       = "local"
)

// recognized vector database types
const (
	VectorDbTypeFileSystem           = "filesystem"
	VectorDbTypeRedis                = "redis"
	VectorDbTypeAzureCognitiveSearch = "azure_cognitive_search"
)

// recognized text generator types
const (
	TextGeneratorTypeOpenAI      = "openai"
	TextGeneratorTypeAzureOpenAI = "azure_openai"
	TextGeneratorTypeLocal       = "local"
)

// configuration for one embedding generator
type embeddingGeneratorConfig struct {
	Type string `json:"type" yaml:"type"`
	// REST endpoint for remote generators
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// API key for remote generators (use ${ENV_VAR} in the config file)
	ApiKey string `json:"api_key" yaml:"api_key"`
	// model identifier for remote generators
	Model string `json:"model" yaml:"model"`
	// vector length for the local generator
	Dimensions int `json:"dimensions" yaml:"dimensions"`
}

// configuration for one vector database
type vectorDbConfig struct {
	Type string `json:"type" yaml:"type"`
	// root directory for the filesystem store; defaults to <data_dir>/memory
	Directory string `json:"directory" yaml:"directory"`
	// address of the Redis server for the redis store
	Address string `json:"address" yaml:"address"`
}

// configuration for the answer-generating text generator
type textGeneratorConfig struct {
	Type     string `json:"type" yaml:"type"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	ApiKey   string `json:"api_key" yaml:"api_key"`
	Model    string `json:"model" yaml:"model"`
}

// configuration for the memory (retrieval) layer
type memoryConfig struct {
	// embedding generators used at ingestion; retrieval uses the first
	EmbeddingGenerators []embeddingGeneratorConfig `json:"embedding_generators" yaml:"embedding_generators"`
	// vector databases written at ingestion; retrieval uses the first
	VectorDbs []vectorDbConfig `json:"vector_dbs" yaml:"vector_dbs"`
	// the text generator used to synthesize answers
	TextGenerator textGeneratorConfig `json:"text_generator" yaml:"text_generator"`
	// when false, partitioning still runs but embedding handlers are no-ops
	EmbeddingGenerationEnabled bool `json:"embedding_generation_enabled" yaml:"embedding_generation_enabled"`
}

func validateMemoryConfig(params memoryConfig) error {
	for _, gen := range params.EmbeddingGenerators {
		switch gen.Type {
		case EmbeddingGeneratorTypeLocal:
		case EmbeddingGeneratorTypeOpenAI, EmbeddingGeneratorTypeAzureOpenAI:
			if gen.Endpoint == "" {
				return fmt.Errorf("Embedding generator %q has no endpoint", gen.Type)
			}
		default:
			return fmt.Errorf("Invalid embedding generator type: %q", gen.Type)
		}
	}
	for _, db := range params.VectorDbs {
		switch db.Type {
		case VectorDbTypeFileSystem, VectorDbTypeAzureCognitiveSearch:
		case VectorDbTypeRedis:
			if db.Address == "" {
				return fmt.Errorf("The redis vector database has no address")
			}
		default:
			return fmt.Errorf("Invalid vector database type: %q", db.Type)
		}
	}
	switch params.TextGenerator.Type {
	case "", TextGeneratorTypeLocal:
	case TextGeneratorTypeOpenAI, TextGeneratorTypeAzureOpenAI:
		if params.TextGenerator.Endpoint == "" {
			return fmt.Errorf("The text generator has no endpoint")
		}
	default:
		return fmt.Errorf("Invalid text generator type: %q", params.TextGenerator.Type)
	}
	return nil
}
