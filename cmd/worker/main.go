package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-pipeline/config"
	"order-pipeline/internal/api"
	"order-pipeline/internal/broker"
	"order-pipeline/internal/codec"
	"order-pipeline/internal/consumer"
	"order-pipeline/internal/crm"
	"order-pipeline/internal/dedup"
	"order-pipeline/internal/redisclient"
	"order-pipeline/internal/store"
	"order-pipeline/internal/util"
	"order-pipeline/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order pipeline worker")

	tp, err := util.InitTracer("order-pipeline", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	payloadCodec, err := codec.New(cfg.Codec.Key, cfg.Codec.IV)
	if err != nil {
		log.Fatalf("Failed to initialize payload codec: %v", err)
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	suppressor := dedup.NewSuppressor(cfg.Dedup.TTL, cfg.Dedup.SweepInterval)
	defer suppressor.Stop()

	crmClient := crm.NewClient(
		cfg.CRM.BaseURL,
		cfg.CRM.APIVersion,
		cfg.CRM.TokenURL,
		cfg.CRM.ClientID,
		cfg.CRM.ClientSecret,
		cfg.CRM.RefreshToken,
		cfg.CRM.RequestTimeout,
	)

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders)
	defer orderProducer.Close()
	dlqProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDLQ)
	defer dlqProducer.Close()
	log.Println("Kafka producers initialized")

	orderConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders, cfg.Kafka.ConsumerGroup)
	acker := broker.NewAcker(orderConsumer, orderProducer, dlqProducer)

	orchestrator := consumer.NewOrchestrator(
		payloadCodec, db, suppressor, redisClient, crmClient, cfg.Dedup.TTL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	orderWorker := worker.NewOrderWorker(orderConsumer, acker, orchestrator)
	go func() {
		if err := orderWorker.Start(workerCtx); err != nil {
			log.Printf("Order worker stopped: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(orderProducer, payloadCodec, suppressor)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	orderWorker.Stop()

	log.Println("Worker exited")
}
