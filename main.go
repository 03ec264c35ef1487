package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messaging-service/internal/auth"
	"messaging-service/internal/config"
	"messaging-service/internal/db"
	"messaging-service/internal/feed"
	"messaging-service/internal/gate"
	"messaging-service/internal/handlers"
	"messaging-service/internal/livesync"
	"messaging-service/internal/logger"
	"messaging-service/internal/messaging"
	"messaging-service/internal/middleware"
	"messaging-service/internal/notify"
	"messaging-service/internal/observability"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
	"messaging-service/internal/repositories/memstore"
	"messaging-service/internal/storage"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/typing"
	"messaging-service/internal/ws"
)

type stores struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	requests      repositories.RequestRepository
	identity      repositories.IdentityRepository
	seeder        handlers.AccountSeeder
	close         func() error
}

func main() {
	envFiles := config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		l := logger.Get()
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.Init(cfg.ServiceName, cfg.Env)
	if len(envFiles) > 0 {
		log.Info().Strs("files", envFiles).Msg("loaded env files")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
		}
	}

	st, err := openStores(ctx, cfg, rdb, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open stores")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.EventsExchange, log)
	log.Info().Str("mode", rabbitmq.PublisherMode(publisher)).Str("reason", rabbitmq.PublisherNoopReason(publisher)).Msg("event publisher ready")
	dispatcher := notify.NewDispatcher(publisher, cfg.NotifyTimeout, log)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Env, log)

	bus := feed.NewBus(log)
	var typingStore typing.Store = typing.NewMemoryStore(cfg.TypingTTL)
	if rdb != nil {
		relay := feed.NewRedisRelay(rdb, bus, log)
		go relay.Run(ctx)
		typingStore = typing.NewRedisStore(rdb, cfg.TypingTTL)
	}

	svc := messaging.New(messaging.Deps{
		Conversations: st.conversations,
		Messages:      st.messages,
		Requests:      st.requests,
		Identity:      st.identity,
		Gate:          gate.New(st.identity),
		Feed:          bus,
		Notifier:      dispatcher,
		Audit:         audit,
		Typing:        typingStore,
		TypingLimiter: typing.NewLimiter(cfg.TypingPerSecond),
		Logger:        log,
		HistoryLimit:  cfg.HistoryLimit,
	})
	live := livesync.New(bus, svc, log)

	var uploader storage.Uploader
	if cfg.S3Bucket != "" {
		uploader = storage.NewS3Uploader(storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Bucket:          cfg.S3Bucket,
			PublicURL:       cfg.S3PublicURL,
		})
	} else {
		uploader = storage.NewDiskUploader(cfg.UploadDir, "")
	}

	tokens := auth.NewVerifier(cfg.JWTSecret, "")
	hub := ws.NewHub(publisher, log)

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.S3Bucket == "" {
		router.Static("/attachments", filepath.Join(cfg.UploadDir, "attachments"))
	}

	api := router.Group("/", middleware.AuthMiddleware(tokens))
	handlers.Routes{
		Chat:        handlers.NewChatHandler(svc),
		Requests:    handlers.NewRequestHandler(svc),
		Groups:      handlers.NewGroupHandler(svc, audit),
		Attachments: handlers.NewAttachmentHandler(uploader, cfg.MaxUploadBytes),
	}.Register(api)
	handlers.RegisterDebugRoutes(router, audit, tokens, st.seeder, cfg.DebugRoutes)

	liveWS := ws.NewLiveHandler(hub, live, svc, tokens, log)
	router.GET("/ws/conversations", liveWS.Conversations)
	router.GET("/ws/requests", liveWS.Requests)
	router.GET("/ws/conversations/:conversation_id/messages", liveWS.Messages)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("port", cfg.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	dispatcher.Wait()
	if err := publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("close publisher")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := st.close(); err != nil {
		log.Warn().Err(err).Msg("close store")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
}

// openStores connects to Postgres when a DSN is configured and falls back to
// the in-memory store otherwise.
func openStores(ctx context.Context, cfg config.Config, rdb *redis.Client, log zerolog.Logger) (stores, error) {
	if cfg.DatabaseDSN == "" {
		log.Warn().Msg("DB_DSN not set, using in-memory store")
		mem := memstore.New()
		return stores{
			conversations: mem.Conversations,
			messages:      mem.Messages,
			requests:      mem.Requests,
			identity:      mem.Identity,
			seeder:        mem.Identity,
			close:         func() error { return nil },
		}, nil
	}

	database, err := db.Connect(ctx, cfg.DatabaseDSN)
	if err != nil {
		return stores{}, err
	}
	var identity repositories.IdentityRepository = repositories.NewIdentityRepo(database)
	if rdb != nil {
		identity = repositories.NewCachedIdentity(identity, rdb, 5*time.Minute, log)
	}
	return stores{
		conversations: repositories.NewConversationRepo(database),
		messages:      repositories.NewMessageRepo(database),
		requests:      repositories.NewRequestRepo(database),
		identity:      identity,
		close:         database.Close,
	}, nil
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowHeaders = append(c.AllowHeaders, "Authorization", "X-Request-Id", "X-Device-Id")
	c.ExposeHeaders = []string{"X-Request-Id"}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	return c
}
