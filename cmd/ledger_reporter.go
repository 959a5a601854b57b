package main

import (
	"context"
	"log"
	"time"

	"purchaseBack/internal/models"
	"purchaseBack/internal/services"
)

const (
	ledgerReporterTimeout = 1 * time.Minute
)

// startLedgerReporter logs the current month's ledger summary on every tick.
func startLedgerReporter(ctx context.Context, ledger *services.PurchaseLedger, interval time.Duration, infoLog, errorLog *log.Logger) {
	if ledger == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		runOnce := func() {
			runCtx, cancel := context.WithTimeout(ctx, ledgerReporterTimeout)
			period := time.Now().UTC().Format(models.PeriodLayout)
			summary, err := ledger.Summary(runCtx, period)
			cancel()
			if err != nil {
				if errorLog != nil {
					errorLog.Printf("ledger reporter: failed to summarize %s: %v", period, err)
				}
				return
			}
			if infoLog != nil {
				infoLog.Printf("ledger reporter: %s purchases=%d refunds=%d subscription_events=%d products=%d",
					summary.Period, summary.Total.Purchases, summary.Total.Refunds,
					summary.Total.SubscriptionEvents, len(summary.Products))
			}
		}

		runOnce()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce()
			}
		}
	}()
}
