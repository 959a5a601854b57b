package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Failure reasons reported in VerificationResult.Reason.
const (
	ReasonMissingReceiptData       = "missing_receipt_data"
	ReasonMissingAndroidParams     = "missing_android_params"
	ReasonVerificationError        = "verification_error"
	ReasonInvalidStatus            = "invalid_status"
	ReasonNotPurchased             = "not_purchased"
	ReasonMissingTransaction       = "missing_transaction"
	ReasonMissingGoogleAuthLibrary = "missing_google_auth_library"
	ReasonUnsupportedPlatform      = "unsupported_platform"
)

// IOSPayload is the StoreKit receipt sent by the iOS client.
type IOSPayload struct {
	ReceiptData string `json:"receiptData"`
	IsSandbox   bool   `json:"isSandbox"`
}

// AndroidPayload identifies one Google Play purchase.
type AndroidPayload struct {
	PackageName   string `json:"packageName"`
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
}

// VerificationRequest carries exactly one of IOS or Android depending on Platform.
type VerificationRequest struct {
	Platform Platform
	IOS      IOSPayload
	Android  AndroidPayload
}

func (r *VerificationRequest) UnmarshalJSON(data []byte) error {
	var wire struct {
		Platform string          `json:"platform"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.Platform = Platform(strings.ToLower(strings.TrimSpace(wire.Platform)))
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return nil
	}
	switch r.Platform {
	case PlatformIOS:
		return json.Unmarshal(wire.Payload, &r.IOS)
	case PlatformAndroid:
		return json.Unmarshal(wire.Payload, &r.Android)
	}
	return nil
}

// VerificationResult is the normalized outcome of a verification.
// Duplicate is only ever set together with Success. Acknowledged carries the
// Play acknowledgement state and is always false for iOS.
type VerificationResult struct {
	Success               bool     `json:"success"`
	Platform              Platform `json:"platform"`
	ProductID             string   `json:"productId,omitempty"`
	TransactionID         string   `json:"transactionId,omitempty"`
	OriginalTransactionID string   `json:"originalTransactionId,omitempty"`
	Environment           string   `json:"environment,omitempty"`
	Duplicate             bool     `json:"duplicate"`
	Acknowledged          bool     `json:"acknowledged"`
	Reason                string   `json:"reason,omitempty"`
	Status                *int64   `json:"status,omitempty"`
	Raw                   string   `json:"-"`
}

// AppleReceiptResponse is the verifyReceipt response body.
type AppleReceiptResponse struct {
	Status            int64                 `json:"status"`
	Environment       string                `json:"environment"`
	LatestReceiptInfo []AppleInAppReceipt   `json:"latest_receipt_info"`
	Receipt           *AppleReceiptEnvelope `json:"receipt"`
	Raw               string                `json:"-"`
}

type AppleReceiptEnvelope struct {
	BundleID string              `json:"bundle_id"`
	InApp    []AppleInAppReceipt `json:"in_app"`
}

type AppleInAppReceipt struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMS        string `json:"purchase_date_ms,omitempty"`
	ExpiresDateMS         string `json:"expires_date_ms,omitempty"`
}

// LatestTransaction returns the newest transaction record: the last entry of
// latest_receipt_info, or of receipt.in_app when the former is empty.
func (r AppleReceiptResponse) LatestTransaction() (AppleInAppReceipt, bool) {
	if n := len(r.LatestReceiptInfo); n > 0 {
		return r.LatestReceiptInfo[n-1], true
	}
	if r.Receipt != nil {
		if n := len(r.Receipt.InApp); n > 0 {
			return r.Receipt.InApp[n-1], true
		}
	}
	return AppleInAppReceipt{}, false
}

// GooglePurchase is the subset of a Play product purchase the service needs.
type GooglePurchase struct {
	PackageName   string
	ProductID     string
	PurchaseToken string
	OrderID       string

	// 0 = Purchased, 1 = Canceled, 2 = Pending
	PurchaseState int64
	Acknowledged  bool
	Consumed      bool

	Raw string
}

type LedgerEventType string

const (
	LedgerEventPurchase     LedgerEventType = "purchase"
	LedgerEventRefund       LedgerEventType = "refund"
	LedgerEventSubscription LedgerEventType = "subscription"
)

const (
	StreamPurchases     = "purchase-ledger"
	StreamSubscriptions = "subscriptions"

	PeriodLayout = "2006-01"
)

// LedgerEvent is one append-only ledger record.
type LedgerEvent struct {
	ID                    string          `json:"id"`
	Type                  LedgerEventType `json:"type"`
	Timestamp             string          `json:"timestamp"`
	TransactionID         string          `json:"transactionId"`
	OriginalTransactionID string          `json:"originalTransactionId,omitempty"`
	ProductID             string          `json:"productId,omitempty"`
	PlayerID              string          `json:"playerId,omitempty"`
	Platform              Platform        `json:"platform,omitempty"`
	EventType             string          `json:"eventType,omitempty"`
	NotificationID        string          `json:"notificationId,omitempty"`
	Reason                string          `json:"reason,omitempty"`
	Environment           string          `json:"environment,omitempty"`
}

// Stream names the ledger stream the event belongs to.
func (e LedgerEvent) Stream() string {
	if e.Type == LedgerEventSubscription {
		return StreamSubscriptions
	}
	return StreamPurchases
}

// Time parses Timestamp; the zero time is returned when it is malformed.
func (e LedgerEvent) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Partition is the monthly partition key, e.g. "purchase-ledger-2026-10".
func (e LedgerEvent) Partition() string {
	return PartitionKey(e.Stream(), e.Time())
}

// IdempotencyKey identifies the event for insert-if-absent appends.
func (e LedgerEvent) IdempotencyKey() string {
	if e.Type == LedgerEventSubscription {
		key := fmt.Sprintf("%s:%s:%s", e.Type, e.EventType, e.TransactionID)
		if e.NotificationID != "" {
			key += ":" + e.NotificationID
		}
		return key
	}
	return fmt.Sprintf("%s:%s", e.Type, e.TransactionID)
}

func PartitionKey(stream string, t time.Time) string {
	return stream + "-" + t.UTC().Format(PeriodLayout)
}

// ParsePeriod validates a "YYYY-MM" period.
func ParsePeriod(period string) (time.Time, error) {
	t, err := time.Parse(PeriodLayout, strings.TrimSpace(period))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: expected YYYY-MM", ErrInvalidPeriod, period)
	}
	return t, nil
}

// ProductSummary aggregates one product's ledger activity in a period.
type ProductSummary struct {
	ProductID          string `json:"productId"`
	Purchases          int    `json:"purchases"`
	Refunds            int    `json:"refunds"`
	SubscriptionEvents int    `json:"subscriptionEvents"`
}

type LedgerSummary struct {
	Period   string           `json:"period"`
	Products []ProductSummary `json:"products"`
	Total    ProductSummary   `json:"total"`
}
