package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	companionchat "github.com/MegaGrindStone/companion-chat"
	"github.com/MegaGrindStone/companion-chat/internal/gate"
	"github.com/MegaGrindStone/companion-chat/internal/handlers"
	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/MegaGrindStone/companion-chat/internal/pipeline"
	"github.com/MegaGrindStone/companion-chat/internal/services"
	"github.com/MegaGrindStone/companion-chat/internal/store"
	"github.com/MegaGrindStone/companion-chat/internal/tokens"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ledger is the durable token ledger of one installation.
type ledger interface {
	pipeline.Ledger
	Balance(ctx context.Context, userID string) (models.Ledger, error)
	EnsureUser(ctx context.Context, userID string, tokenNumber int64) error
}

const (
	localUserID     = "local"
	persistDebounce = time.Second
)

func main() {
	// A missing .env is fine; the environment and config file still apply.
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "companionchat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfg, err := loadConfig(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boltDB, err := services.NewBoltDB(filepath.Join(cfgPath, "store.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer boltDB.Close()

	initial, found, err := boltDB.LoadSnapshot(ctx)
	if err != nil {
		log.Fatal(err)
	}
	if !found {
		initial.DefaultChatConfig = cfg.chatConfig()
	}
	initial.PriceNumber = cfg.PriceNumber
	initial.AutoTitle = cfg.autoTitle()
	initial.CountTotalTokens = cfg.CountTotalTokens
	if initial.Ledger.TokenNumber == 0 {
		initial.Ledger.TokenNumber = cfg.TokenNumber
	}

	st := store.New(initial, logger)
	if len(initial.Chats) == 0 {
		st.InitialiseNewChats()
	}

	var persistWG sync.WaitGroup
	persistWG.Add(1)
	go func() {
		defer persistWG.Done()
		st.Persist(ctx, boltDB, persistDebounce)
	}()

	denylist := gate.NewDenylist(nil, logger)
	if cfg.SensitiveWordsFile != "" {
		if err := denylist.LoadFile(cfg.SensitiveWordsFile); err != nil {
			log.Fatal(err)
		}
		if err := denylist.Watch(ctx, cfg.SensitiveWordsFile); err != nil {
			logger.Warn("Denylist hot reload disabled", slog.String("err", err.Error()))
		}
	}

	pool, err := openPostgres(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	if pool != nil {
		defer pool.Close()
	}

	if cfg.Ledger.Driver == "sqlite" && cfg.Ledger.DSN == "" {
		cfg.Ledger.DSN = filepath.Join(cfgPath, "ledger.db")
	}
	led, closeLedger, err := openLedger(ctx, cfg, pool)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLedger()

	if led != nil {
		if cfg.UserID == "" {
			cfg.UserID = localUserID
		}
		if err := led.EnsureUser(ctx, cfg.UserID, cfg.TokenNumber); err != nil {
			log.Fatal(err)
		}
		balance, err := led.Balance(ctx, cfg.UserID)
		if err != nil {
			log.Fatal(err)
		}
		st.SetLedger(balance)
	}

	completion := services.NewCompletion(&http.Client{}, logger)

	titleGen, err := cfg.titleGen(completion)
	if err != nil {
		log.Fatal(err)
	}

	accountant := tokens.NewAccountant(tokens.DefaultPricing().Merge(cfg.Pricing))
	deps := pipeline.Deps{
		Store:      st,
		Transport:  completion,
		Gate:       denylist,
		Accountant: accountant,
		Titler:     titleGen,
	}
	if led != nil {
		deps.Ledger = led
	}

	var historySearch handlers.HistorySearch
	if pool != nil && cfg.History.Enabled {
		history := services.NewHistory(pool, services.NewOpenAIEmbedder(cfg.Endpoint, cfg.APIKey),
			cfg.History.EmbeddingModel, logger)
		deps.History = history
		historySearch = history
	}

	pipe := pipeline.New(pipeline.Config{
		Endpoint:            cfg.Endpoint,
		Credential:          cfg.APIKey,
		OfficialEndpoint:    services.OfficialEndpoint,
		TitleModel:          cfg.DefaultModel,
		UserID:              cfg.UserID,
		Language:            cfg.Language,
		RefusalMessage:      cfg.RefusalMessage,
		AugmentedCompanions: cfg.AugmentedCompanions,
	}, deps, logger)

	m, err := handlers.NewMain(st, pipe, historySearch, accountant, cfg.limiter(), cfg.UserID, logger)
	if err != nil {
		log.Fatal(err)
	}
	go m.Run(ctx)

	// Serve static files
	staticFS, err := fs.Sub(companionchat.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/new", m.HandleNewChat)
	mux.HandleFunc("/stop", m.HandleStop)
	mux.HandleFunc("/history", m.HandleHistory)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		// Stopping any running reply lets its submission settle before the final snapshot.
		st.StopGenerating()

		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}

	cancel()
	persistWG.Wait()
}

// loadConfig reads the config file at path, when there is one, and applies the environment.
func loadConfig(path string) (config, error) {
	cfg := config{}

	cfgFile, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// openPostgres connects to the database shared by the Postgres ledger and the history search and
// migrates it. It returns nil when neither is configured.
func openPostgres(ctx context.Context, cfg config, logger *slog.Logger) (*pgxpool.Pool, error) {
	databaseURL := cfg.postgresURL()
	if databaseURL == "" {
		return nil, nil
	}

	if err := services.RunMigrations(databaseURL, migrationsFS(), logger); err != nil {
		return nil, err
	}
	return services.NewPostgresPool(ctx, databaseURL)
}

func migrationsFS() fs.FS {
	sub, err := fs.Sub(companionchat.MigrationsFS, "migrations")
	if err != nil {
		// The embedded tree always holds the directory.
		panic(err)
	}
	return sub
}

// openLedger opens the configured ledger. It returns a nil ledger when the ledger lives only in
// the state snapshot.
func openLedger(ctx context.Context, cfg config, pool *pgxpool.Pool) (ledger, func(), error) {
	switch cfg.Ledger.Driver {
	case "":
		return nil, func() {}, nil
	case "sqlite":
		l, err := services.NewSQLiteLedger(ctx, cfg.Ledger.DSN)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "postgres":
		if pool == nil {
			return nil, nil, fmt.Errorf("postgres ledger needs a database url")
		}
		return services.NewPostgresLedger(pool), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger driver: %s", cfg.Ledger.Driver)
	}
}
