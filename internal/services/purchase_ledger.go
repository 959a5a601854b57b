package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"purchaseBack/internal/models"
	"purchaseBack/internal/repositories"
)

// PurchaseLedger records monetization events in an append-only store and
// keeps an in-memory index of purchases for entitlement checks.
// The index is rebuilt from the store by Load.
type PurchaseLedger struct {
	store  repositories.LedgerStore
	logger Logger
	now    func() time.Time

	mu        sync.RWMutex
	loaded    bool
	purchases map[string]models.LedgerEvent // transaction id -> purchase
	refunded  map[string]bool               // transaction id -> refunded
	owned     map[string]map[string]int     // player -> product -> active purchases
}

func NewPurchaseLedger(store repositories.LedgerStore, logger Logger) *PurchaseLedger {
	if logger == nil {
		logger = nopLogger{}
	}
	return &PurchaseLedger{
		store:     store,
		logger:    logger,
		now:       time.Now,
		purchases: make(map[string]models.LedgerEvent),
		refunded:  make(map[string]bool),
		owned:     make(map[string]map[string]int),
	}
}

// Load scans every partition of the store and rebuilds the purchase index.
func (l *PurchaseLedger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purchases = make(map[string]models.LedgerEvent)
	l.refunded = make(map[string]bool)
	l.owned = make(map[string]map[string]int)

	count := 0
	err := l.store.Scan(ctx, func(ev models.LedgerEvent) error {
		l.indexLocked(ev)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger load: %w", err)
	}
	l.loaded = true
	l.logger.Infof("[LEDGER] index rebuilt from %d events, %d purchases", count, len(l.purchases))
	return nil
}

func (l *PurchaseLedger) RecordPurchase(ctx context.Context, ev models.LedgerEvent) (models.LedgerEvent, bool, error) {
	ev.Type = models.LedgerEventPurchase
	if strings.TrimSpace(ev.PlayerID) == "" || strings.TrimSpace(ev.ProductID) == "" {
		return models.LedgerEvent{}, false, fmt.Errorf("%w: purchase requires player and product", models.ErrInvalidLedgerEvent)
	}
	return l.record(ctx, ev)
}

// RecordRefund appends a refund referencing the original purchase's transaction id.
func (l *PurchaseLedger) RecordRefund(ctx context.Context, ev models.LedgerEvent) (models.LedgerEvent, bool, error) {
	ev.Type = models.LedgerEventRefund
	if p, err := l.FindPurchase(ev.TransactionID); err == nil {
		if ev.PlayerID == "" {
			ev.PlayerID = p.PlayerID
		}
		if ev.ProductID == "" {
			ev.ProductID = p.ProductID
		}
	}
	return l.record(ctx, ev)
}

func (l *PurchaseLedger) RecordSubscriptionEvent(ctx context.Context, ev models.LedgerEvent) (models.LedgerEvent, bool, error) {
	ev.Type = models.LedgerEventSubscription
	if strings.TrimSpace(ev.EventType) == "" {
		return models.LedgerEvent{}, false, fmt.Errorf("%w: subscription event requires event type", models.ErrInvalidLedgerEvent)
	}
	return l.record(ctx, ev)
}

func (l *PurchaseLedger) record(ctx context.Context, ev models.LedgerEvent) (models.LedgerEvent, bool, error) {
	if strings.TrimSpace(ev.TransactionID) == "" {
		return models.LedgerEvent{}, false, fmt.Errorf("%w: transaction id is required", models.ErrInvalidLedgerEvent)
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = l.now().UTC().Format(time.RFC3339Nano)

	written, err := l.store.Append(ctx, ev)
	if err != nil {
		return models.LedgerEvent{}, false, fmt.Errorf("ledger append %s: %w", ev.Partition(), err)
	}
	if !written {
		l.logger.Infof("[LEDGER] %s for txn=%s already recorded", ev.Type, ev.TransactionID)
		return ev, false, nil
	}

	l.mu.Lock()
	l.indexLocked(ev)
	l.mu.Unlock()

	l.logger.Infof("[LEDGER] recorded %s txn=%s player=%s product=%s partition=%s",
		ev.Type, ev.TransactionID, ev.PlayerID, ev.ProductID, ev.Partition())
	return ev, true, nil
}

func (l *PurchaseLedger) indexLocked(ev models.LedgerEvent) {
	switch ev.Type {
	case models.LedgerEventPurchase:
		if _, ok := l.purchases[ev.TransactionID]; ok {
			return
		}
		l.purchases[ev.TransactionID] = ev
		if !l.refunded[ev.TransactionID] {
			l.adjustOwnedLocked(ev.PlayerID, ev.ProductID, 1)
		}
	case models.LedgerEventRefund:
		if l.refunded[ev.TransactionID] {
			return
		}
		l.refunded[ev.TransactionID] = true
		if p, ok := l.purchases[ev.TransactionID]; ok {
			l.adjustOwnedLocked(p.PlayerID, p.ProductID, -1)
		}
	}
}

func (l *PurchaseLedger) adjustOwnedLocked(playerID, productID string, delta int) {
	products, ok := l.owned[playerID]
	if !ok {
		products = make(map[string]int)
		l.owned[playerID] = products
	}
	products[productID] += delta
	if products[productID] <= 0 {
		delete(products, productID)
	}
	if len(products) == 0 {
		delete(l.owned, playerID)
	}
}

// HasTransaction reports whether a purchase with this id has been recorded.
func (l *PurchaseLedger) HasTransaction(transactionID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.purchases[transactionID]
	return ok
}

// FindPurchase returns the recorded purchase for a transaction id.
func (l *PurchaseLedger) FindPurchase(transactionID string) (models.LedgerEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := l.purchases[transactionID]
	if !ok {
		return models.LedgerEvent{}, models.ErrTransactionNotFound
	}
	return ev, nil
}

// FindPurchaseByOriginal returns the newest purchase sharing an original transaction id.
func (l *PurchaseLedger) FindPurchaseByOriginal(originalID string) (models.LedgerEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		found models.LedgerEvent
		ok    bool
	)
	for _, ev := range l.purchases {
		if ev.OriginalTransactionID != originalID && ev.TransactionID != originalID {
			continue
		}
		if !ok || ev.Time().After(found.Time()) {
			found, ok = ev, true
		}
	}
	if !ok {
		return models.LedgerEvent{}, models.ErrTransactionNotFound
	}
	return found, nil
}

// HasPurchase reports whether the player holds a purchase of the product
// that has not been refunded.
func (l *PurchaseLedger) HasPurchase(_ context.Context, playerID, productID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.loaded {
		return false, models.ErrLedgerNotLoaded
	}
	return l.owned[playerID][productID] > 0, nil
}

// Summary aggregates the period's partitions per product.
func (l *PurchaseLedger) Summary(ctx context.Context, period string) (models.LedgerSummary, error) {
	start, err := models.ParsePeriod(period)
	if err != nil {
		return models.LedgerSummary{}, err
	}

	byProduct := make(map[string]*models.ProductSummary)
	get := func(productID string) *models.ProductSummary {
		s, ok := byProduct[productID]
		if !ok {
			s = &models.ProductSummary{ProductID: productID}
			byProduct[productID] = s
		}
		return s
	}

	for _, stream := range []string{models.StreamPurchases, models.StreamSubscriptions} {
		events, err := l.store.ListPartition(ctx, models.PartitionKey(stream, start))
		if err != nil {
			return models.LedgerSummary{}, fmt.Errorf("ledger summary %s: %w", stream, err)
		}
		for _, ev := range events {
			productID := ev.ProductID
			if productID == "" && ev.Type == models.LedgerEventRefund {
				if p, err := l.FindPurchase(ev.TransactionID); err == nil {
					productID = p.ProductID
				}
			}
			s := get(productID)
			switch ev.Type {
			case models.LedgerEventPurchase:
				s.Purchases++
			case models.LedgerEventRefund:
				s.Refunds++
			case models.LedgerEventSubscription:
				s.SubscriptionEvents++
			}
		}
	}

	out := models.LedgerSummary{Period: start.Format(models.PeriodLayout), Products: []models.ProductSummary{}}
	keys := make([]string, 0, len(byProduct))
	for k := range byProduct {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		s := *byProduct[k]
		out.Products = append(out.Products, s)
		out.Total.Purchases += s.Purchases
		out.Total.Refunds += s.Refunds
		out.Total.SubscriptionEvents += s.SubscriptionEvents
	}
	return out, nil
}
