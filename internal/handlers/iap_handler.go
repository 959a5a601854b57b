package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"purchaseBack/internal/models"
	"purchaseBack/internal/services"
)

// ReceiptVerifier is implemented by services.ReceiptVerificationService.
type ReceiptVerifier interface {
	Verify(ctx context.Context, req models.VerificationRequest) models.VerificationResult
	Acknowledge(ctx context.Context, req models.VerificationRequest) error
}

// Ledger is the part of services.PurchaseLedger the handlers use.
type Ledger interface {
	RecordPurchase(ctx context.Context, ev models.LedgerEvent) (models.LedgerEvent, bool, error)
	RecordRefund(ctx context.Context, ev models.LedgerEvent) (models.LedgerEvent, bool, error)
	RecordSubscriptionEvent(ctx context.Context, ev models.LedgerEvent) (models.LedgerEvent, bool, error)
	FindPurchase(transactionID string) (models.LedgerEvent, error)
	FindPurchaseByOriginal(originalID string) (models.LedgerEvent, error)
	Summary(ctx context.Context, period string) (models.LedgerSummary, error)
}

// AppleNotificationParser is implemented by services.AppleIAPService.
type AppleNotificationParser interface {
	ParseNotification(signedPayload string) (models.AppleNotification, error)
	DecodeSignedTransaction(signedInfo string) (models.AppleTransaction, error)
}

// IAPHandler exposes purchase verification, vendor webhooks and entitlement checks.
type IAPHandler struct {
	Verifier ReceiptVerifier
	Ledger   Ledger
	Apple    AppleNotificationParser
	Gate     *EntitlementGate
	// Features maps a paid feature name to the product that unlocks it.
	Features map[string]string
}

func NewIAPHandler(verifier ReceiptVerifier, ledger Ledger, apple AppleNotificationParser, gate *EntitlementGate, features map[string]string) *IAPHandler {
	return &IAPHandler{
		Verifier: verifier,
		Ledger:   ledger,
		Apple:    apple,
		Gate:     gate,
		Features: features,
	}
}

type verifyResponse struct {
	models.VerificationResult
	Recorded bool   `json:"recorded"`
	Error    string `json:"error,omitempty"`
}

// VerifyPurchase verifies a client purchase and credits it to the ledger.
// A duplicate verification is still written when the ledger has no record of
// it, so a retry after a failed write credits the purchase.
func (h *IAPHandler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	playerID := models.PlayerIDFromContext(r.Context())
	if playerID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.VerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	res := h.Verifier.Verify(r.Context(), req)
	if !res.Success {
		writeJSON(w, verificationStatus(res.Reason), verifyResponse{VerificationResult: res})
		return
	}

	resp := verifyResponse{VerificationResult: res}
	owner, err := h.Ledger.FindPurchase(res.TransactionID)
	switch {
	case err == nil && owner.PlayerID != playerID:
		log.Printf("[IAP] txn=%s claimed by player=%s but owned by player=%s", res.TransactionID, playerID, owner.PlayerID)
		resp.Success = false
		resp.Duplicate = false
		resp.Error = "purchase_belongs_to_another_player"
		writeJSON(w, http.StatusConflict, resp)
		return
	case err == nil:
		resp.Duplicate = true
	default:
		_, recorded, err := h.Ledger.RecordPurchase(r.Context(), models.LedgerEvent{
			TransactionID:         res.TransactionID,
			OriginalTransactionID: res.OriginalTransactionID,
			ProductID:             res.ProductID,
			PlayerID:              playerID,
			Platform:              res.Platform,
			Environment:           res.Environment,
		})
		if err != nil {
			log.Printf("[IAP] ledger write failed txn=%s player=%s err=%v", res.TransactionID, playerID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "ledger_write_failed"})
			return
		}
		if !recorded {
			// lost a concurrent race for the same transaction
			if owner, err := h.Ledger.FindPurchase(res.TransactionID); err == nil && owner.PlayerID != playerID {
				resp.Success = false
				resp.Error = "purchase_belongs_to_another_player"
				writeJSON(w, http.StatusConflict, resp)
				return
			}
		}
		resp.Recorded = recorded
	}

	if res.Platform == models.PlatformAndroid && !res.Acknowledged {
		if err := h.Verifier.Acknowledge(r.Context(), req); err != nil {
			log.Printf("[IAP] acknowledge failed txn=%s err=%v", res.TransactionID, err)
		} else {
			resp.Acknowledged = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func verificationStatus(reason string) int {
	switch reason {
	case models.ReasonMissingReceiptData, models.ReasonMissingAndroidParams, models.ReasonUnsupportedPlatform:
		return http.StatusBadRequest
	case models.ReasonInvalidStatus, models.ReasonNotPurchased, models.ReasonMissingTransaction:
		return http.StatusUnprocessableEntity
	case models.ReasonMissingGoogleAuthLibrary:
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}

// AppleNotificationsV2 handles server-to-server notifications from Apple.
func (h *IAPHandler) AppleNotificationsV2(w http.ResponseWriter, r *http.Request) {
	if h.Apple == nil {
		http.Error(w, "apple iap is not configured", http.StatusNotImplemented)
		return
	}

	var req struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	notif, err := h.Apple.ParseNotification(req.SignedPayload)
	if err != nil {
		http.Error(w, "verify notification: "+err.Error(), http.StatusBadRequest)
		return
	}
	if notif.Data.SignedTransactionInfo == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	txn, err := h.Apple.DecodeSignedTransaction(notif.Data.SignedTransactionInfo)
	if err != nil {
		http.Error(w, "decode transaction: "+err.Error(), http.StatusBadRequest)
		return
	}

	ev := models.LedgerEvent{
		TransactionID:         txn.TransactionID,
		OriginalTransactionID: txn.OriginalTransactionID,
		ProductID:             txn.ProductID,
		Platform:              models.PlatformIOS,
		Environment:           txn.Environment,
	}
	if owner, err := h.findOwner(txn.TransactionID, txn.OriginalTransactionID); err == nil {
		ev.PlayerID = owner.PlayerID
	}

	var status string
	switch classifyAppleNotification(notif.NotificationType) {
	case notificationRefund:
		ev.Reason = notif.NotificationType
		if txn.RevocationReason != nil {
			ev.Reason += ":" + strconv.Itoa(*txn.RevocationReason)
		}
		_, _, err = h.Ledger.RecordRefund(r.Context(), ev)
		status = "refunded"
	case notificationSubscription:
		ev.EventType = notif.NotificationType
		if notif.Subtype != "" {
			ev.EventType += "/" + notif.Subtype
		}
		ev.NotificationID = notif.NotificationUUID
		_, _, err = h.Ledger.RecordSubscriptionEvent(r.Context(), ev)
		status = "recorded"
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		log.Printf("[APPLE IAP] ledger write failed type=%s txn=%s err=%v", notif.NotificationType, txn.TransactionID, err)
		http.Error(w, "ledger write failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// GoogleNotifications handles Real-time developer notifications (Pub/Sub push).
func (h *IAPHandler) GoogleNotifications(w http.ResponseWriter, r *http.Request) {
	var push struct {
		Message struct {
			Data      string `json:"data"`
			MessageID string `json:"messageId,omitempty"`
		} `json:"message"`
		Subscription string `json:"subscription,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if push.Message.Data == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	raw, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		http.Error(w, "decode pubsub data: "+err.Error(), http.StatusBadRequest)
		return
	}
	var notif models.GoogleDeveloperNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		http.Error(w, "unmarshal rtdn: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	status := "ignored"
	switch {
	case notif.SubscriptionNotification != nil:
		sn := notif.SubscriptionNotification
		token := strings.TrimSpace(sn.PurchaseToken)
		subID := strings.TrimSpace(sn.SubscriptionID)
		if token == "" || subID == "" {
			break
		}
		ev := models.LedgerEvent{
			TransactionID:  services.AndroidTransactionID(subID, token),
			ProductID:      subID,
			Platform:       models.PlatformAndroid,
			EventType:      models.GoogleSubscriptionEventName(sn.NotificationType),
			NotificationID: notif.EventTimeMillis,
		}
		if owner, ferr := h.Ledger.FindPurchase(ev.TransactionID); ferr == nil {
			ev.PlayerID = owner.PlayerID
		}
		_, _, err = h.Ledger.RecordSubscriptionEvent(ctx, ev)
		status = "recorded"
	case notif.OneTimeProductNotification != nil:
		on := notif.OneTimeProductNotification
		if on.NotificationType != models.GoogleOneTimeProductCanceled {
			break
		}
		txnID := services.AndroidTransactionID(strings.TrimSpace(on.Sku), strings.TrimSpace(on.PurchaseToken))
		if _, ferr := h.Ledger.FindPurchase(txnID); ferr != nil {
			break
		}
		_, _, err = h.Ledger.RecordRefund(ctx, models.LedgerEvent{
			TransactionID: txnID,
			Platform:      models.PlatformAndroid,
			Reason:        "one_time_product_canceled",
		})
		status = "refunded"
	case notif.VoidedPurchaseNotification != nil:
		vn := notif.VoidedPurchaseNotification
		if strings.TrimSpace(vn.OrderID) == "" {
			break
		}
		ev := models.LedgerEvent{
			TransactionID:         vn.OrderID,
			OriginalTransactionID: vn.OrderID,
			Platform:              models.PlatformAndroid,
			Reason:                "voided",
		}
		if owner, ferr := h.Ledger.FindPurchaseByOriginal(vn.OrderID); ferr == nil {
			ev.TransactionID = owner.TransactionID
		}
		_, _, err = h.Ledger.RecordRefund(ctx, ev)
		status = "refunded"
	}
	if err != nil {
		log.Printf("[GOOGLE IAP] ledger write failed err=%v", err)
		http.Error(w, "ledger write failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// CheckEntitlement reports whether the authenticated player owns :product_id.
func (h *IAPHandler) CheckEntitlement(w http.ResponseWriter, r *http.Request) {
	productID := strings.TrimSpace(r.URL.Query().Get(":product_id"))
	if productID == "" {
		http.Error(w, "product_id is required", http.StatusBadRequest)
		return
	}
	if err := h.Gate.Check(r.Context(), models.PlayerIDFromContext(r.Context()), productID); err != nil {
		writeEntitlementError(w, productID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "productId": productID})
}

// FeatureAccess serves a configured paid feature; the route is wrapped by Gate.Require.
func (h *IAPHandler) FeatureAccess(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get(":name")
	productID, ok := h.Features[name]
	if !ok {
		http.Error(w, "unknown feature", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "feature": name, "productId": productID})
}

// LedgerSummary returns per-product counts for :period (YYYY-MM).
func (h *IAPHandler) LedgerSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Ledger.Summary(r.Context(), r.URL.Query().Get(":period"))
	if err != nil {
		if errors.Is(err, models.ErrInvalidPeriod) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("[LEDGER] summary failed: %v", err)
		http.Error(w, "failed to load summary", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *IAPHandler) findOwner(transactionID, originalID string) (models.LedgerEvent, error) {
	if owner, err := h.Ledger.FindPurchase(transactionID); err == nil {
		return owner, nil
	}
	if originalID == "" {
		return models.LedgerEvent{}, models.ErrTransactionNotFound
	}
	return h.Ledger.FindPurchaseByOriginal(originalID)
}

type notificationAction int

const (
	notificationIgnore notificationAction = iota
	notificationRefund
	notificationSubscription
)

func classifyAppleNotification(notificationType string) notificationAction {
	switch strings.ToUpper(strings.TrimSpace(notificationType)) {
	case "REFUND", "REVOKE":
		return notificationRefund
	case "SUBSCRIBED", "DID_RENEW", "DID_CHANGE_RENEWAL_STATUS", "DID_CHANGE_RENEWAL_PREF",
		"DID_FAIL_TO_RENEW", "EXPIRED", "GRACE_PERIOD_EXPIRED", "OFFER_REDEEMED",
		"RENEWAL_EXTENDED", "PRICE_INCREASE", "REFUND_REVERSED":
		return notificationSubscription
	}
	return notificationIgnore
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
