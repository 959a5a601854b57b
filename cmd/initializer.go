package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"purchaseBack/internal/config"
	"purchaseBack/internal/handlers"
	"purchaseBack/internal/repositories"
	"purchaseBack/internal/services"
)

type application struct {
	errorLog *log.Logger
	infoLog  *log.Logger

	jwtSecret []byte
	features  map[string]string

	ledger     *services.PurchaseLedger
	gate       *handlers.EntitlementGate
	iapHandler *handlers.IAPHandler
}

// initializeApp wires services over an opened ledger store and loads the
// ledger index. rdb may be nil, in which case dedup stays in memory.
func initializeApp(ctx context.Context, cfg config.Config, store repositories.LedgerStore, rdb *redis.Client, errorLog, infoLog *log.Logger) (*application, error) {
	logger := stdLogger{info: infoLog, err: errorLog}

	appleService := services.NewAppleIAPService(services.AppleIAPConfig{
		SharedSecret: cfg.Apple.SharedSecret,
		BundleID:     cfg.Apple.BundleID,
	})
	googleClient := services.NewGooglePurchaseClient(ctx, services.GooglePlayConfig{
		ServiceAccountJSON: cfg.Google.ServiceAccountJSON,
	}, logger)

	var dedup services.DedupCache
	if rdb != nil {
		dedup = services.NewRedisDedupCache(rdb, cfg.Redis.Prefix, cfg.DedupTTL())
	} else {
		dedup = services.NewMemoryDedupCache(cfg.DedupTTL())
	}
	verifier := services.NewReceiptVerificationService(appleService, googleClient, dedup, logger)

	ledger := services.NewPurchaseLedger(store, logger)
	loadCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := ledger.Load(loadCtx); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	gate := handlers.NewEntitlementGate(ledger)

	return &application{
		errorLog:   errorLog,
		infoLog:    infoLog,
		jwtSecret:  []byte(cfg.Auth.JWTSecret),
		features:   cfg.Features,
		ledger:     ledger,
		gate:       gate,
		iapHandler: handlers.NewIAPHandler(verifier, ledger, appleService, gate, cfg.Features),
	}, nil
}

func openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		log.Printf("Failed to ping DB: %v", err)
		db.Close()
		return nil, err
	}
	db.SetMaxIdleConns(35)
	log.Println("Successfully connected to database")
	return db, nil
}

// stdLogger adapts the info/error log.Logger pair to services.Logger.
type stdLogger struct {
	info *log.Logger
	err  *log.Logger
}

func (l stdLogger) Infof(format string, args ...interface{}) {
	l.info.Output(2, fmt.Sprintf(format, args...))
}

func (l stdLogger) Errorf(format string, args ...interface{}) {
	l.err.Output(2, fmt.Sprintf(format, args...))
}
