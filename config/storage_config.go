package config

import (
	"fmt"
)

// recognized content-storage backends
const (
	ContentStorageTypeFileSystem = "filesystem"
	ContentStorageTypeAzureBlobs = "azure_blobs"
)

// configuration for the artifact (content) store
type storageConfig struct {
	// the storage backend ("filesystem" or "azure_blobs"); defaults to
	// "filesystem"
	Type string `json:"type" yaml:"type"`
	// root directory for filesystem storage; defaults to
	// <data_dir>/artifacts when empty
	Directory string `json:"directory" yaml:"directory"`
	// connection string for cloud backends
	ConnectionString string `json:"connection_string" yaml:"connection_string"`
}

func validateStorageConfig(params storageConfig) error {
	switch params.Type {
	case "", ContentStorageTypeFileSystem, ContentStorageTypeAzureBlobs:
	default:
		return fmt.Errorf("Invalid content storage type: %q", params.Type)
	}
	return nil
}
