// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "http://localhost:8081", cfg.Weaviate.URL)
	assert.Equal(t, "ollama", cfg.LLM.Backend)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, "llama3.1", cfg.Ollama.Model)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	assert.Equal(t, 30*time.Second, cfg.Stream.RetrievalTimeout)
	assert.Equal(t, 4*time.Minute, cfg.Stream.CompletionTimeout)
	assert.False(t, cfg.Stream.PersistPerChunk)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "docchat", cfg.Tracing.ServiceName)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DOCCHAT_HOST", "127.0.0.1")
	t.Setenv("DOCCHAT_PORT", "9090")
	t.Setenv("LLM_BACKEND", "openai")
	t.Setenv("RETRIEVAL_TIMEOUT", "5s")
	t.Setenv("PERSIST_PER_CHUNK", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, "openai", cfg.LLM.Backend)
	assert.Equal(t, 5*time.Second, cfg.Stream.RetrievalTimeout)
	assert.True(t, cfg.Stream.PersistPerChunk)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("LLM_BACKEND", "bedrock")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "bedrock")
}

func TestResolveAPIKey_PrefersEnvironment(t *testing.T) {
	o := OpenAIConfig{APIKey: "sk-from-env", APIKeyFile: "/nonexistent"}
	key, err := o.ResolveAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", key)
}

func TestResolveAPIKey_FallsBackToSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openai_api_key")
	require.NoError(t, os.WriteFile(path, []byte("sk-from-file\n"), 0o600))

	o := OpenAIConfig{APIKeyFile: path}
	key, err := o.ResolveAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-from-file", key)
}

func TestResolveAPIKey_EmptyFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openai_api_key")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))

	o := OpenAIConfig{APIKeyFile: path}
	_, err := o.ResolveAPIKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestResolveAPIKey_MissingFileIsAnError(t *testing.T) {
	o := OpenAIConfig{APIKeyFile: filepath.Join(t.TempDir(), "missing")}
	_, err := o.ResolveAPIKey()
	require.Error(t, err)
}
