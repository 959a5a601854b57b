package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"purchaseBack/internal/config"
	"purchaseBack/internal/repositories"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = config.DefaultPath
	}
	configPath := flag.String("config", defaultPath, "path to the YAML config file")
	mintToken := flag.String("mint-token", "", "print an access token for this player id and exit")
	mintRole := flag.String("mint-role", "player", "role claim for -mint-token")
	flag.Parse()

	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		errorLog.Fatal(err)
	}

	if *mintToken != "" {
		token, err := generateAccessToken([]byte(cfg.Auth.JWTSecret), *mintToken, *mintRole, 24*time.Hour)
		if err != nil {
			errorLog.Fatal(err)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openLedgerStore(ctx, cfg)
	if err != nil {
		errorLog.Fatal(err)
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			errorLog.Fatalf("redis ping %s: %v", cfg.Redis.Addr, err)
		}
		defer rdb.Close()
	}

	app, err := initializeApp(ctx, cfg, store, rdb, errorLog, infoLog)
	if err != nil {
		errorLog.Fatal(err)
	}

	startLedgerReporter(ctx, app.ledger, cfg.ReportInterval(), infoLog, errorLog)

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowCredentials: true,
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		ErrorLog:     errorLog,
		Handler:      c.Handler(app.routes()),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errorLog.Printf("shutdown: %v", err)
		}
	}()

	infoLog.Printf("Starting server on %s (ledger driver %s)", cfg.Server.Address, cfg.Database.Driver)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errorLog.Fatal(err)
	}
}

func openLedgerStore(ctx context.Context, cfg config.Config) (repositories.LedgerStore, error) {
	if cfg.Database.Driver == "bolt" {
		return repositories.NewBoltLedgerRepository(cfg.Database.URL)
	}
	db, err := openDB(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	return &sqlLedgerStore{SQLLedgerRepository: repositories.NewSQLLedgerRepository(db, cfg.Database.Driver), db: db}, nil
}

// sqlLedgerStore closes the pool it was opened with.
type sqlLedgerStore struct {
	*repositories.SQLLedgerRepository
	db *sql.DB
}

func (s *sqlLedgerStore) Close() error {
	return s.db.Close()
}
