// Package config loads engine configuration from config.json with
// environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all settings for the index engine and its optional remote
// collaborators.
type Config struct {
	// Embedding API (OpenAI-compatible), used to embed query text.
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	EmbeddingModel string `json:"embedding_model"`

	// Remote vector store selection: "", "pgvector" or "milvus".
	Store string `json:"store"`

	// pgvector backend
	DatabaseURL string `json:"database_url"`

	// Milvus backend
	MilvusAddr       string `json:"milvus_addr"`
	MilvusUsername   string `json:"milvus_username"`
	MilvusPassword   string `json:"milvus_password"`
	MilvusAPIKey     string `json:"milvus_api_key"`
	MilvusCollection string `json:"milvus_collection"`

	// Local storage
	DataDir    string `json:"data_dir"`
	MetaDBPath string `json:"metadb_path"`

	// Index
	Dimension    int  `json:"dimension"`
	IVFThreshold int  `json:"ivf_threshold"`
	DisableIVF   bool `json:"disable_ivf"`

	// Boundary detector
	Threshold       float64 `json:"threshold"`
	MinEventGap     float64 `json:"min_event_gap"`
	SmoothingWindow int     `json:"smoothing_window"`
}

// Load reads config.json from the working directory when present, then
// applies environment overrides and defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if data, err := os.ReadFile("config.json"); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.json: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.APIKey, "API_KEY")
	setStr(&c.BaseURL, "BASE_URL")
	setStr(&c.EmbeddingModel, "EMBEDDING_MODEL")
	setStr(&c.Store, "STORE")
	setStr(&c.DatabaseURL, "DATABASE_URL")
	setStr(&c.MilvusAddr, "MILVUS_ADDR")
	setStr(&c.MilvusUsername, "MILVUS_USERNAME")
	setStr(&c.MilvusPassword, "MILVUS_PASSWORD")
	setStr(&c.MilvusAPIKey, "MILVUS_API_KEY")
	setStr(&c.MilvusCollection, "MILVUS_COLLECTION")
	setStr(&c.DataDir, "DATA_DIR")
	setStr(&c.MetaDBPath, "METADB_PATH")
	if v := os.Getenv("DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Dimension = n
		}
	}
	if v := os.Getenv("IVF_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.IVFThreshold = n
		}
	}
	if v := os.Getenv("DISABLE_IVF"); v != "" {
		c.DisableIVF = v == "true" || v == "1"
	}
}

func (c *Config) applyDefaults() {
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "text-embedding-3-small"
	}
	if c.MilvusCollection == "" {
		c.MilvusCollection = "lecture_segments"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.MetaDBPath == "" {
		c.MetaDBPath = "data/lectures.db"
	}
	if c.Dimension <= 0 {
		c.Dimension = 768
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.3
	}
	if c.MinEventGap <= 0 {
		c.MinEventGap = 30
	}
	if c.SmoothingWindow <= 0 {
		c.SmoothingWindow = 3
	}
}

// HasValidAPI reports whether the embedding API is configured.
func (c *Config) HasValidAPI() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// Validate checks the settings a remote store or embedder call depends on.
func (c *Config) Validate() error {
	var problems []string
	if !c.HasValidAPI() {
		problems = append(problems, "api_key is required")
	}
	if strings.TrimSpace(c.EmbeddingModel) == "" {
		problems = append(problems, "embedding_model is required")
	}
	switch c.Store {
	case "", "pgvector", "milvus":
	default:
		problems = append(problems, fmt.Sprintf("unknown store %q", c.Store))
	}
	if len(problems) > 0 {
		return fmt.Errorf("configuration invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}
