package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plantsocial/backend/internal/bus"
	membus "github.com/plantsocial/backend/internal/bus/memory"
	"github.com/plantsocial/backend/internal/chat"
	"github.com/plantsocial/backend/internal/config"
	"github.com/plantsocial/backend/internal/handler"
	"github.com/plantsocial/backend/internal/logger"
	"github.com/plantsocial/backend/internal/media"
	"github.com/plantsocial/backend/internal/middleware"
	"github.com/plantsocial/backend/internal/notify"
	"github.com/plantsocial/backend/internal/presence"
	"github.com/plantsocial/backend/internal/push"
	"github.com/plantsocial/backend/internal/repository"
	"github.com/plantsocial/backend/internal/startup"
	"github.com/plantsocial/backend/internal/storage"
	memstorage "github.com/plantsocial/backend/internal/storage/memory"
	"github.com/plantsocial/backend/internal/ws"
	"github.com/plantsocial/backend/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-process fan-out (no external services required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	// Redis carries fan-out and session lookup in a multi-node deployment;
	// -dev keeps everything in process.
	var eventBus bus.Bus
	var sessions storage.SessionStore
	if *dev {
		eventBus = membus.New()
		sessions = memstorage.New()
	} else {
		eventBus = startup.ConnectBusWithRetry(cfg.Redis.URL, 60*time.Second, "")
		sessions = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	}
	defer eventBus.Close()
	defer sessions.Close()

	userRepo := repository.NewUserRepository(pool)
	roomRepo := repository.NewRoomRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	notifRepo := repository.NewNotificationRepository(pool)
	pushSubRepo := repository.NewPushSubscriptionRepository(pool)

	tracker := presence.NewTracker(eventBus)
	trackerCtx, trackerCancel := context.WithCancel(context.Background())
	var trackerWg sync.WaitGroup
	trackerWg.Add(1)
	go func() {
		defer trackerWg.Done()
		tracker.Run(trackerCtx)
	}()

	pushSender := push.NewSender(pushSubRepo, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber)
	var pusher notify.Pusher
	if pushSender.Enabled() {
		pusher = pushSender
	}
	notifySvc := notify.NewService(notifRepo, eventBus, pusher, tracker)

	msgSvc := chat.NewMessageService(roomRepo, msgRepo, userRepo, eventBus, notifySvc)
	roomSvc := chat.NewRoomService(roomRepo, msgRepo, userRepo, eventBus)

	hub := ws.NewHub(eventBus, roomRepo, msgSvc, tracker, cfg.MaxWSConnections)
	roomSvc.SetSubscriber(hub)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	mediaStore := media.NewStore(cfg.UploadDir, cfg.MaxUploadSize)

	roomH := handler.NewRoomHandler(roomSvc)
	msgH := handler.NewMessageHandler(msgSvc, mediaStore)
	presenceH := handler.NewPresenceHandler(tracker)
	notifH := handler.NewNotificationHandler(notifySvc)
	pushH := handler.NewPushHandler(pushSubRepo, cfg.VAPIDPublicKey)
	userH := handler.NewUserHandler(userRepo)
	mediaH := handler.NewMediaHandler(mediaStore)
	wsH := handler.NewWSHandler(hub, userRepo, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Never compress WebSocket responses: a wrapped ResponseWriter loses
	// http.Hijacker and the upgrade fails with a 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/media/{filename}", mediaH.Serve)
	r.Get("/api/push/key", pushH.PublicKey)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(sessions))
		r.Get("/api/users/me", userH.Me)
		r.Get("/api/users/search", userH.Search)
		r.Get("/api/rooms", roomH.ListRooms)
		r.Post("/api/rooms/private", roomH.CreatePrivateRoom)
		r.Post("/api/rooms/group", roomH.CreateGroupRoom)
		r.Post("/api/rooms/{roomID}/members", roomH.AddMember)
		r.Delete("/api/rooms/{roomID}/members/{userID}", roomH.RemoveMember)
		r.Post("/api/rooms/{roomID}/leave", roomH.Leave)
		r.Get("/api/rooms/{roomID}/messages", msgH.History)
		r.Post("/api/rooms/{roomID}/messages", msgH.Send)
		r.Post("/api/rooms/{roomID}/media", msgH.SendMedia)
		r.Post("/api/rooms/{roomID}/typing", msgH.Typing)
		r.Get("/api/presence", presenceH.ListOnline)
		r.Get("/api/notifications", notifH.List)
		r.Get("/api/notifications/unread", notifH.UnreadCount)
		r.Post("/api/notifications/{notificationID}/read", notifH.MarkRead)
		r.Post("/api/media/upload", mediaH.Upload)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	trackerCancel()
	trackerWg.Wait()
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// runMigrations applies the embedded .sql files in name order. Statements
// are written to be re-runnable, so applying on every start is safe.
func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			continue
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "plantsocial"
		password = "plantsocial_secret"
		database = "plantsocial"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
