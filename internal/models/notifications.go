package models

// AppleTransaction contains decoded fields of a signedTransactionInfo JWS payload.
type AppleTransaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	RevocationReason      *int   `json:"revocationReason,omitempty"`
	Raw                   string `json:"-"`
}

// AppleNotification wraps an App Store Server Notification V2 payload
// (after signature verification).
type AppleNotification struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype,omitempty"`
	NotificationUUID string `json:"notificationUUID,omitempty"`
	Data             struct {
		AppAppleID            int64  `json:"appAppleId,omitempty"`
		BundleID              string `json:"bundleId,omitempty"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo,omitempty"`
		SignedRenewalInfo     string `json:"signedRenewalInfo,omitempty"`
	} `json:"data"`
	Version    string `json:"version"`
	SignedDate int64  `json:"signedDate"`
	Raw        string `json:"-"`
}

// GoogleDeveloperNotification is the RTDN payload carried in a Pub/Sub push message.
type GoogleDeveloperNotification struct {
	Version         string `json:"version,omitempty"`
	PackageName     string `json:"packageName,omitempty"`
	EventTimeMillis string `json:"eventTimeMillis,omitempty"`

	SubscriptionNotification *struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification,omitempty"`

	OneTimeProductNotification *struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		Sku              string `json:"sku"`
	} `json:"oneTimeProductNotification,omitempty"`

	VoidedPurchaseNotification *struct {
		PurchaseToken string `json:"purchaseToken"`
		OrderID       string `json:"orderId"`
		ProductType   int    `json:"productType"`
		RefundType    int    `json:"refundType"`
	} `json:"voidedPurchaseNotification,omitempty"`
}

// Play one-time product notification types.
const (
	GoogleOneTimeProductPurchased = 1
	GoogleOneTimeProductCanceled  = 2
)

// Play subscription notification types, by their RTDN numeric code.
var googleSubscriptionEvents = map[int]string{
	1:  "SUBSCRIPTION_RECOVERED",
	2:  "SUBSCRIPTION_RENEWED",
	3:  "SUBSCRIPTION_CANCELED",
	4:  "SUBSCRIPTION_PURCHASED",
	5:  "SUBSCRIPTION_ON_HOLD",
	6:  "SUBSCRIPTION_IN_GRACE_PERIOD",
	7:  "SUBSCRIPTION_RESTARTED",
	8:  "SUBSCRIPTION_PRICE_CHANGE_CONFIRMED",
	9:  "SUBSCRIPTION_DEFERRED",
	10: "SUBSCRIPTION_PAUSED",
	11: "SUBSCRIPTION_PAUSE_SCHEDULE_CHANGED",
	12: "SUBSCRIPTION_REVOKED",
	13: "SUBSCRIPTION_EXPIRED",
	20: "SUBSCRIPTION_PENDING_PURCHASE_CANCELED",
}

// GoogleSubscriptionEventName maps an RTDN notificationType to its name.
func GoogleSubscriptionEventName(code int) string {
	if name, ok := googleSubscriptionEvents[code]; ok {
		return name
	}
	return "SUBSCRIPTION_UNKNOWN"
}
