package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"purchaseBack/internal/models"
)

// PurchaseIndex is the read side of the purchase ledger.
type PurchaseIndex interface {
	HasPurchase(ctx context.Context, playerID, productID string) (bool, error)
}

// EntitlementGate authorizes paid features from recorded purchases.
// It never writes to the ledger.
type EntitlementGate struct {
	Ledger PurchaseIndex
}

func NewEntitlementGate(ledger PurchaseIndex) *EntitlementGate {
	return &EntitlementGate{Ledger: ledger}
}

// Check returns models.ErrUnauthorized, models.ErrEntitlementRequired, or a
// wrapped ledger error.
func (g *EntitlementGate) Check(ctx context.Context, playerID, productID string) error {
	if strings.TrimSpace(playerID) == "" {
		return models.ErrUnauthorized
	}
	ok, err := g.Ledger.HasPurchase(ctx, playerID, productID)
	if err != nil {
		return fmt.Errorf("entitlement check: %w", err)
	}
	if !ok {
		return models.ErrEntitlementRequired
	}
	return nil
}

// Require returns middleware that lets the request through only when the
// authenticated player owns productID.
func (g *EntitlementGate) Require(productID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := g.Check(r.Context(), models.PlayerIDFromContext(r.Context()), productID)
			if err != nil {
				writeEntitlementError(w, productID, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type entitlementError struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ProductID string `json:"productId,omitempty"`
}

func writeEntitlementError(w http.ResponseWriter, productID string, err error) {
	status, body := entitlementErrorBody(productID, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func entitlementErrorBody(productID string, err error) (int, entitlementError) {
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized, entitlementError{Error: "unauthorized"}
	case errors.Is(err, models.ErrEntitlementRequired):
		return http.StatusForbidden, entitlementError{Error: "entitlement_required", ProductID: productID}
	default:
		log.Printf("[ENTITLEMENT] product_id=%q err=%v", productID, err)
		return http.StatusInternalServerError, entitlementError{Error: "entitlement_check_failed"}
	}
}
