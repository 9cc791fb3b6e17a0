// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads service configuration from the environment.
//
// Each concern gets its own struct so components receive only the settings
// they need. Load is called once in main; nothing here is global.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration for the docchat service.
type Config struct {
	Server   ServerConfig
	Weaviate WeaviateConfig
	LLM      LLMConfig
	OpenAI   OpenAIConfig
	Ollama   OllamaConfig
	Stream   StreamConfig
	Tracing  TracingConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `env:"DOCCHAT_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"DOCCHAT_PORT" envDefault:"8080"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WeaviateConfig locates the vector database backing the conversation
// store and the document retriever.
type WeaviateConfig struct {
	URL string `env:"WEAVIATE_URL" envDefault:"http://localhost:8081"`
}

// LLMConfig selects the completion backend.
type LLMConfig struct {
	// Backend is "openai" or "ollama".
	Backend string `env:"LLM_BACKEND" envDefault:"ollama"`
}

// OpenAIConfig configures the OpenAI completion client.
type OpenAIConfig struct {
	// APIKey may be empty when APIKeyFile is mounted (container secrets).
	APIKey     string `env:"OPENAI_API_KEY"`
	APIKeyFile string `env:"OPENAI_API_KEY_FILE" envDefault:"/run/secrets/openai_api_key"`
	Model      string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	// BaseURL overrides the API endpoint for proxies and compatible servers.
	BaseURL string `env:"OPENAI_BASE_URL"`
}

// ResolveAPIKey returns the API key from the environment, falling back to
// the mounted secret file.
func (o OpenAIConfig) ResolveAPIKey() (string, error) {
	if o.APIKey != "" {
		return o.APIKey, nil
	}
	data, err := os.ReadFile(o.APIKeyFile)
	if err != nil {
		return "", fmt.Errorf("read OpenAI API key from %s: %w", o.APIKeyFile, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("OpenAI API key file %s is empty", o.APIKeyFile)
	}
	return key, nil
}

// OllamaConfig configures the Ollama completion client.
type OllamaConfig struct {
	BaseURL string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	Model   string `env:"OLLAMA_MODEL" envDefault:"llama3.1"`
}

// StreamConfig bounds the streaming pipeline.
type StreamConfig struct {
	// RetrievalTimeout bounds the document context lookup.
	RetrievalTimeout time.Duration `env:"RETRIEVAL_TIMEOUT" envDefault:"30s"`

	// CompletionTimeout bounds the whole model call including streaming.
	CompletionTimeout time.Duration `env:"COMPLETION_TIMEOUT" envDefault:"4m"`

	// PersistPerChunk stores every relayed chunk as its own message
	// instead of one coalesced assistant message per turn.
	PersistPerChunk bool `env:"PERSIST_PER_CHUNK" envDefault:"false"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Endpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"docchat"`
	Enabled     bool   `env:"TRACING_ENABLED" envDefault:"true"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment config: %w", err)
	}
	switch cfg.LLM.Backend {
	case "openai", "ollama":
	default:
		return nil, fmt.Errorf("unknown LLM backend %q (want openai or ollama)", cfg.LLM.Backend)
	}
	return &cfg, nil
}
