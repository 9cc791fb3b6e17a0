// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docstream-ai/docchat/services/docchat/config"
	"github.com/docstream-ai/docchat/services/docchat/handlers"
	"github.com/docstream-ai/docchat/services/docchat/retriever"
	"github.com/docstream-ai/docchat/services/docchat/store"
	"github.com/docstream-ai/docchat/services/llm"
)

// SetupRoutes registers all HTTP endpoints on the router.
func SetupRoutes(
	router *gin.Engine,
	st store.ConversationStore,
	rt retriever.ContextRetriever,
	llmClient llm.LLMClient,
	streamCfg config.StreamConfig,
) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := handlers.NewDocChatHandler(st, rt, llmClient, streamCfg)

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/chat/stream", chatHandler.HandleChatStream)
		v1.GET("/chats/:chatId/messages", chatHandler.HandleListMessages)
	}
}
