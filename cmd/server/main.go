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

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/telegram"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint)
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

	db, err := store.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	logger.Info("Database connected", zap.String("driver", db.Dialect()))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	deliveryProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeliveries)
	defer deliveryProducer.Close()
	alertProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer alertProducer.Close()
	statusProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderStatus)
	defer statusProducer.Close()

	var jobs broker.EventWriter
	if cfg.Business.FulfillmentMode == config.FulfillmentQueue {
		jobProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicFulfillment)
		defer jobProducer.Close()
		jobs = jobProducer
	}
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(deliveryProducer, alertProducer, jobs, statusProducer)

	bot := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.BotToken, nil)

	var notifier service.Notifier = eventPublisher
	if cfg.Telegram.DirectDelivery {
		notifier = telegram.NewNotifier(bot, cfg.Telegram.AdminChatID)
		logger.Info("Delivering directly through the bot API")
	}

	var scheduler service.Scheduler
	if jobs != nil {
		scheduler = eventPublisher
	}

	timeouts := service.ChannelTimeouts{
		Default:    cfg.Business.DefaultOrderTimeout,
		PerChannel: cfg.Business.ChannelTimeouts,
	}

	machine := service.NewOrderStateMachine(db, eventPublisher, nil)
	allocator := service.NewSecretAllocator(db, service.AllocatorConfig{
		Attempts: cfg.Business.PoolClaimAttempts,
		Backoff:  cfg.Business.PoolClaimBackoff,
	}, nil)
	invites := service.NewInviteManager(db, machine, bot, notifier, service.InviteConfig{
		TTL:      cfg.Business.InviteTTL,
		Attempts: cfg.Business.InviteAttempts,
		Backoff:  cfg.Business.InviteBackoff,
	}, nil)
	dispatcher := service.NewDispatcher(db, machine, allocator, invites, notifier, nil)
	processor := service.NewProcessor(db, machine, dispatcher, scheduler, redisClient, service.ProcessorConfig{
		Timeouts:        timeouts,
		RecheckCooldown: cfg.Business.RecheckCooldown,
	}, nil)
	reaper := service.NewReaper(db, machine, timeouts, notifier, nil)
	orderService := service.NewOrderService(db, machine, timeouts, nil)
	stockService := service.NewStockService(db, nil)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	inboundHandler := broker.NewEventHandler()
	inboundHandler.OnPayment(processor.HandlePayment)
	inboundHandler.OnRecheck(processor.HandleRecheck)
	inboundHandler.OnJoin(invites.HandleJoin)

	inboundConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicInbound, cfg.Kafka.ConsumerGroup)
	inboundWorker := worker.NewEventWorker("inbound", inboundConsumer, inboundHandler, db)
	go func() {
		if err := inboundWorker.Start(workerCtx); err != nil {
			logger.Error("Inbound worker error", zap.Error(err))
		}
	}()

	var fulfillmentWorker *worker.EventWorker
	if scheduler != nil {
		jobHandler := broker.NewEventHandler()
		jobHandler.OnFulfillment(dispatcher.DispatchByReference)

		jobConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicFulfillment, cfg.Kafka.FulfillmentGroupID)
		fulfillmentWorker = worker.NewEventWorker("fulfillment", jobConsumer, jobHandler, db)
		go func() {
			if err := fulfillmentWorker.Start(workerCtx); err != nil {
				logger.Error("Fulfillment worker error", zap.Error(err))
			}
		}()
	}

	reaperWorker := worker.NewReaperWorker(reaper, redisClient, cfg.Business.ReaperFirstRun, cfg.Business.ReaperInterval)
	go func() {
		if err := reaperWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Reaper worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, processor, invites, stockService, map[string]api.Pinger{
		"database": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	inboundWorker.Stop()
	if fulfillmentWorker != nil {
		fulfillmentWorker.Stop()
	}

	logger.Info("Server exited")
}
