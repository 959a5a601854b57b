package repositories

import (
	"context"

	"purchaseBack/internal/models"
)

// LedgerStore is the durable, append-only backing of the purchase ledger.
type LedgerStore interface {
	// Append writes the event to its monthly partition unless an event with
	// the same idempotency key already exists. It reports whether a write happened.
	Append(ctx context.Context, ev models.LedgerEvent) (bool, error)
	// Scan visits every stored event, partition by partition, in append order.
	Scan(ctx context.Context, fn func(models.LedgerEvent) error) error
	ListPartition(ctx context.Context, partition string) ([]models.LedgerEvent, error)
	Close() error
}
