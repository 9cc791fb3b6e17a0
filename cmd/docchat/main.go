// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/docstream-ai/docchat/services/docchat/config"
	"github.com/docstream-ai/docchat/services/docchat/datatypes"
	"github.com/docstream-ai/docchat/services/docchat/observability"
	"github.com/docstream-ai/docchat/services/docchat/retriever"
	"github.com/docstream-ai/docchat/services/docchat/routes"
	"github.com/docstream-ai/docchat/services/docchat/store"
	"github.com/docstream-ai/docchat/services/llm"
)

func initTracer(cfg config.TracingConfig) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func newWeaviateClient(cfg config.WeaviateConfig) (*weaviate.Client, error) {
	// Sanitize: trim quotes and whitespace in case the container runtime
	// passes them literally
	rawURL := strings.Trim(cfg.URL, "\"' ")

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse Weaviate URL %q: %w", rawURL, err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("weaviate URL %q must include scheme and host", rawURL)
	}

	return weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
}

func newLLMClient(cfg *config.Config) (llm.LLMClient, error) {
	switch cfg.LLM.Backend {
	case "openai":
		apiKey, err := cfg.OpenAI.ResolveAPIKey()
		if err != nil {
			return nil, err
		}
		slog.Info("Using OpenAI LLM backend", "model", cfg.OpenAI.Model)
		return llm.NewOpenAIClient(apiKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL)
	default:
		slog.Info("Using Ollama LLM backend", "model", cfg.Ollama.Model)
		return llm.NewOllamaClient(cfg.Ollama.BaseURL, cfg.Ollama.Model)
	}
}

func main() {
	// .env is optional; real deployments configure via the environment
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if cfg.Tracing.Enabled {
		cleanup, err := initTracer(cfg.Tracing)
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	observability.InitMetrics()

	weaviateClient, err := newWeaviateClient(cfg.Weaviate)
	if err != nil {
		log.Fatalf("FATAL: could not create Weaviate client for %q: %v", cfg.Weaviate.URL, err)
	}
	datatypes.EnsureWeaviateSchema(weaviateClient)

	llmClient, err := newLLMClient(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	conversationStore := store.NewWeaviateStore(weaviateClient)
	contextRetriever := retriever.NewWeaviateRetriever(weaviateClient)

	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))

	routes.SetupRoutes(router, conversationStore, contextRetriever, llmClient, cfg.Stream)

	slog.Info("Starting the docchat server", "addr", cfg.Server.Addr())
	if err := router.Run(cfg.Server.Addr()); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
