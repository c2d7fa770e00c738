package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
)

func startAsynqServer(redisOpt asynq.RedisClientOpt, handlers *Handlers, cfg Config) {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReconcileExpired, handlers.HandleReconcileExpired)

	// Schedule periodic reconciliation
	scheduler := asynq.NewScheduler(redisOpt, nil)

	payloadByte, _ := json.Marshal(ReconcileExpiredPayload{EventID: cfg.EventID})
	schedule := fmt.Sprintf("@every %s", cfg.ReconcileInterval)

	if _, err := scheduler.Register(schedule, asynq.NewTask(TypeReconcileExpired, payloadByte)); err != nil {
		log.Fatal("Failed to register reconcile schedule:", err)
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			log.Fatal("Scheduler failed to start:", err)
		}
	}()

	if err := srv.Run(mux); err != nil {
		log.Fatal("Asynq server failed to start:", err)
	}
}

func setupRoutes(e *echo.Echo, handlers *Handlers) {
	api := e.Group("/api/v1")

	// Reset and reconciliation
	api.POST("/reset", handlers.Reset)
	api.POST("/reconcile", handlers.Reconcile)

	// Serving counter operations
	api.POST("/serving-counter/increment", handlers.IncrementServingCounter)
	api.GET("/counters", handlers.GetCounters)
}
