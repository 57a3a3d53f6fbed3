package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mygads/genfity-server-sub007/internal/api"
	"github.com/mygads/genfity-server-sub007/internal/config"
	"github.com/mygads/genfity-server-sub007/internal/handler"
	"github.com/mygads/genfity-server-sub007/internal/infrastructure/kafka"
	"github.com/mygads/genfity-server-sub007/internal/infrastructure/redis"
	"github.com/mygads/genfity-server-sub007/internal/observability"
	core "github.com/mygads/genfity-server-sub007/internal/repository/postgres"
	service "github.com/mygads/genfity-server-sub007/internal/services"
	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	shutdown, _ := observability.Setup("transaction-lifecycle")
	defer shutdown(context.Background())

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	transactionRepo := core.NewPostgresTransactionRepository(db)
	paymentRepo := core.NewPostgresPaymentRepository(db)
	deliveryRepo := core.NewPostgresDeliveryRepository(db)
	voucherRepo := core.NewPostgresVoucherRepository(db)
	redisClient := redis.NewClient(cfg.RedisAddr)
	defer redisClient.Close()
	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	svc := service.NewLifecycleService(transactionRepo, paymentRepo, deliveryRepo, voucherRepo, producer)

	// Payment gateway callbacks arrive over Kafka and feed the same
	// status-update path the admin API uses.
	gatewayConsumer := kafka.NewConsumer(cfg.KafkaBrokers, "payment-gateway-events", "lifecycle-service-group", svc)
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	go gatewayConsumer.Consume(consumerCtx)
	defer stopConsumer()
	defer gatewayConsumer.Close()

	h := handler.NewHandler(svc, redisClient, cfg.CronSecret)
	router := api.SetupRouter(h, redisClient, cfg.JWTSecret)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
