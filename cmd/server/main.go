package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsapp-flow-engine/internal/api"
	"whatsapp-flow-engine/internal/audience"
	"whatsapp-flow-engine/internal/config"
	"whatsapp-flow-engine/internal/database"
	"whatsapp-flow-engine/internal/dispatcher"
	"whatsapp-flow-engine/internal/events"
	"whatsapp-flow-engine/internal/execution"
	"whatsapp-flow-engine/internal/lease"
	"whatsapp-flow-engine/internal/planner"
	"whatsapp-flow-engine/internal/store"
	"whatsapp-flow-engine/internal/webhook"
	"whatsapp-flow-engine/internal/whatsapp"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	cfg := config.LoadConfig()

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}

	st := store.NewStore(db)
	pl := planner.New(cfg.PlanCacheTTL, cfg.PlanHorizon)
	resolver := audience.NewResolver(st)
	client := whatsapp.NewClient(cfg, st)
	publisher := events.NewRedisPublisher(rdb)
	leases := lease.NewRedisStore(rdb)
	runner := execution.NewRunner(st, resolver, client, client, publisher, cfg.DispatchConcurrency)
	disp := dispatcher.New(st, pl, runner, leases, publisher, cfg.PollInterval, cfg.GraceWindow, cfg.LeaseTTL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go disp.Start(ctx)

	r := gin.Default()

	// CORS Middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	webhookHandler := webhook.NewHandler(cfg, st, disp)
	automationHandler := api.NewAutomationHandler(st, pl, disp)
	executionHandler := api.NewExecutionHandler(st, disp)
	contactHandler := api.NewContactHandler(st)

	// Webhook Routes
	r.GET("/webhook", webhookHandler.VerifyWebhook)
	r.POST("/webhook", webhookHandler.HandleMessage)

	apiGroup := r.Group("/api")
	{
		// Automation Routes
		apiGroup.GET("/automations", automationHandler.GetAutomations)
		apiGroup.POST("/automations", automationHandler.CreateAutomation)
		apiGroup.GET("/automations/:id", automationHandler.GetAutomation)
		apiGroup.PUT("/automations/:id", automationHandler.UpdateAutomation)
		apiGroup.POST("/automations/:id/deactivate", automationHandler.DeactivateAutomation)
		apiGroup.GET("/automations/:id/occurrences", automationHandler.PreviewOccurrences)
		apiGroup.POST("/automations/:id/execute", automationHandler.ExecuteNow)
		apiGroup.GET("/automations/:id/executions", automationHandler.GetAutomationExecutions)

		// Execution Routes
		apiGroup.GET("/executions/:id", executionHandler.GetExecution)
		apiGroup.POST("/executions/:id/cancel", executionHandler.CancelExecution)

		// CRM Routes
		apiGroup.GET("/contacts", contactHandler.GetContacts)
		apiGroup.POST("/contacts", contactHandler.CreateContact)
		apiGroup.PUT("/contacts/:id", contactHandler.UpdateContact)
		apiGroup.DELETE("/contacts/:id", contactHandler.DeleteContact)
	}

	log.Info().Str("port", cfg.Port).Msg("server starting")
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("failed to run server")
	}
}
