package config

import "fmt"

// VectorStoreConfig configures a vector database provider.
//
// Example YAML:
//
//	vector:
//	  type: chromem
//	  persist_path: .quarry/vectors
//
//	vector:
//	  type: qdrant
//	  host: qdrant.example.com
//	  port: 6334
//	  api_key: ${QDRANT_API_KEY}
type VectorStoreConfig struct {
	// Type is the vector store type: "chromem", "qdrant", "pinecone".
	Type string `yaml:"type,omitempty"`

	// Host for external vector stores (qdrant).
	Host string `yaml:"host,omitempty"`

	// Port for external vector stores.
	Port int `yaml:"port,omitempty"`

	// APIKey for authenticated access.
	APIKey string `yaml:"api_key,omitempty"`

	// EnableTLS enables TLS connections.
	EnableTLS *bool `yaml:"enable_tls,omitempty"`

	// PersistPath for chromem file persistence. Empty means in-memory only.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress enables gzip compression for chromem persistence.
	Compress bool `yaml:"compress,omitempty"`

	// Collection is the collection name chunk embeddings live in.
	Collection string `yaml:"collection,omitempty"`

	// IndexName for Pinecone.
	IndexName string `yaml:"index_name,omitempty"`

	// Namespace for Pinecone.
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults applies default values.
func (c *VectorStoreConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "chromem" // Default to embedded
	}
	if c.Collection == "" {
		c.Collection = "chunks"
	}
	if c.Port == 0 && c.Type == "qdrant" {
		c.Port = 6334 // gRPC port
	}
}

// Validate checks the configuration for errors.
func (c *VectorStoreConfig) Validate() error {
	validTypes := map[string]bool{
		"chromem":  true,
		"qdrant":   true,
		"pinecone": true,
	}

	if !validTypes[c.Type] {
		return fmt.Errorf("invalid vector store type %q (valid: chromem, qdrant, pinecone)", c.Type)
	}

	if c.Type == "qdrant" && c.Host == "" {
		return fmt.Errorf("host is required for qdrant vector store")
	}

	if c.Type == "pinecone" {
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for pinecone vector store")
		}
		if c.IndexName == "" {
			return fmt.Errorf("index_name is required for pinecone vector store")
		}
	}

	return nil
}

// IsEmbedded returns true for embedded vector stores (chromem).
func (c *VectorStoreConfig) IsEmbedded() bool {
	return c.Type == "chromem"
}
