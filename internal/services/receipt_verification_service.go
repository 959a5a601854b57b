package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"purchaseBack/internal/models"
)

// AppleReceiptVerifier is the iOS side of the vendor adapter.
type AppleReceiptVerifier interface {
	VerifyReceipt(ctx context.Context, receiptData string, isSandbox bool) (models.AppleReceiptResponse, error)
}

// ReceiptVerificationService is the single entry point for purchase verification.
type ReceiptVerificationService struct {
	apple  AppleReceiptVerifier
	google GooglePurchaseClient
	dedup  DedupCache
	logger Logger
}

func NewReceiptVerificationService(apple AppleReceiptVerifier, google GooglePurchaseClient, dedup DedupCache, logger Logger) *ReceiptVerificationService {
	if google == nil {
		google = UnavailableGooglePlayClient{}
	}
	if dedup == nil {
		dedup = NewMemoryDedupCache(DefaultDedupTTL)
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &ReceiptVerificationService{apple: apple, google: google, dedup: dedup, logger: logger}
}

// AndroidTransactionID derives a stable id for a Play purchase, which the
// products.get call does not expose: hex(sha256(productId + ":" + token)).
func AndroidTransactionID(productID, purchaseToken string) string {
	sum := sha256.Sum256([]byte(productID + ":" + purchaseToken))
	return hex.EncodeToString(sum[:])
}

// Verify never returns an error: expected failures are reported through
// Success=false and Reason.
func (s *ReceiptVerificationService) Verify(ctx context.Context, req models.VerificationRequest) models.VerificationResult {
	switch req.Platform {
	case models.PlatformIOS:
		return s.verifyIOS(ctx, req.IOS)
	case models.PlatformAndroid:
		return s.verifyAndroid(ctx, req.Android)
	default:
		return models.VerificationResult{Platform: req.Platform, Reason: models.ReasonUnsupportedPlatform}
	}
}

func (s *ReceiptVerificationService) verifyIOS(ctx context.Context, p models.IOSPayload) models.VerificationResult {
	res := models.VerificationResult{Platform: models.PlatformIOS}
	if strings.TrimSpace(p.ReceiptData) == "" {
		res.Reason = models.ReasonMissingReceiptData
		return res
	}
	if s.apple == nil {
		s.logger.Errorf("[IAP] ios verification requested but apple client is not configured")
		res.Reason = models.ReasonVerificationError
		return res
	}

	resp, err := s.apple.VerifyReceipt(ctx, p.ReceiptData, p.IsSandbox)
	if err != nil {
		s.logger.Errorf("[IAP] ios verify failed sandbox=%v err=%v", p.IsSandbox, err)
		res.Reason = models.ReasonVerificationError
		return res
	}
	res.Raw = resp.Raw
	res.Environment = resp.Environment
	if resp.Status != AppleStatusOK {
		status := resp.Status
		res.Status = &status
		res.Reason = models.ReasonInvalidStatus
		s.logger.Infof("[IAP] ios receipt rejected status=%d env=%s", resp.Status, resp.Environment)
		return res
	}

	latest, ok := resp.LatestTransaction()
	txnID := strings.TrimSpace(latest.TransactionID)
	if txnID == "" {
		txnID = strings.TrimSpace(latest.OriginalTransactionID)
	}
	if !ok || txnID == "" {
		res.Reason = models.ReasonMissingTransaction
		return res
	}
	res.ProductID = latest.ProductID
	res.TransactionID = txnID
	res.OriginalTransactionID = latest.OriginalTransactionID
	return s.accept(ctx, res)
}

func (s *ReceiptVerificationService) verifyAndroid(ctx context.Context, p models.AndroidPayload) models.VerificationResult {
	res := models.VerificationResult{Platform: models.PlatformAndroid}
	pkg := strings.TrimSpace(p.PackageName)
	productID := strings.TrimSpace(p.ProductID)
	token := strings.TrimSpace(p.PurchaseToken)
	if pkg == "" || productID == "" || token == "" {
		res.Reason = models.ReasonMissingAndroidParams
		return res
	}
	res.ProductID = productID

	purchase, err := s.google.GetProductPurchase(ctx, pkg, productID, token)
	if err != nil {
		if errors.Is(err, models.ErrGoogleAuthUnavailable) {
			res.Reason = models.ReasonMissingGoogleAuthLibrary
			return res
		}
		s.logger.Errorf("[IAP] android verify failed product_id=%q token_len=%d err=%v", productID, len(token), err)
		res.Reason = models.ReasonVerificationError
		return res
	}
	res.Raw = purchase.Raw

	// 0 = purchased
	if purchase.PurchaseState != 0 {
		state := purchase.PurchaseState
		res.Status = &state
		res.Reason = models.ReasonNotPurchased
		s.logger.Infof("[IAP] android purchase not completed product_id=%q state=%d", productID, state)
		return res
	}

	res.TransactionID = AndroidTransactionID(productID, token)
	res.OriginalTransactionID = purchase.OrderID
	res.Acknowledged = purchase.Acknowledged
	return s.accept(ctx, res)
}

// Acknowledge acknowledges a verified Android purchase with Google Play.
// It is called after the purchase is in the ledger and is a no-op for iOS.
func (s *ReceiptVerificationService) Acknowledge(ctx context.Context, req models.VerificationRequest) error {
	if req.Platform != models.PlatformAndroid {
		return nil
	}
	p := req.Android
	productID := strings.TrimSpace(p.ProductID)
	if err := s.google.AcknowledgeProduct(ctx, strings.TrimSpace(p.PackageName), productID, strings.TrimSpace(p.PurchaseToken)); err != nil {
		return err
	}
	s.logger.Infof("[IAP] android purchase acknowledged product_id=%q", productID)
	return nil
}

// accept marks a verified transaction in the dedup cache, or flags it as a
// duplicate when it was already seen in the window.
func (s *ReceiptVerificationService) accept(ctx context.Context, res models.VerificationResult) models.VerificationResult {
	res.Success = true
	seen, err := s.dedup.Has(ctx, res.TransactionID)
	if err != nil {
		s.logger.Errorf("[IAP] dedup lookup failed txn=%s err=%v", res.TransactionID, err)
	}
	if seen {
		res.Duplicate = true
		s.logger.Infof("[IAP] duplicate verification platform=%s txn=%s", res.Platform, res.TransactionID)
		return res
	}
	if err := s.dedup.Add(ctx, res.TransactionID, 0); err != nil {
		s.logger.Errorf("[IAP] dedup add failed txn=%s err=%v", res.TransactionID, err)
	}
	s.logger.Infof("[IAP] verified platform=%s product_id=%q txn=%s", res.Platform, res.ProductID, res.TransactionID)
	return res
}
