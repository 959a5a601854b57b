package services

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"purchaseBack/internal/models"
)

const (
	appleVerifyProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	appleVerifySandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	// AppleStatusOK is returned for a valid receipt.
	AppleStatusOK = 0
	// AppleStatusSandboxReceipt: a sandbox receipt was sent to production.
	AppleStatusSandboxReceipt = 21007
	// AppleStatusProductionReceipt: a production receipt was sent to sandbox.
	AppleStatusProductionReceipt = 21008

	defaultVendorTimeout = 15 * time.Second
)

var (
	appleRootCAG3PEM = []byte(`-----BEGIN CERTIFICATE-----
MIICQzCCAcmgAwIBAgIILcX8iNLFS5UwCgYIKoZIzj0EAwMwZzEbMBkGA1UEAwwS
QXBwbGUgUm9vdCBDQSAtIEczMSYwJAYDVQQLDB1BcHBsZSBDZXJ0aWZpY2F0aW9u
IEF1dGhvcml0eTETMBEGA1UECgwKQXBwbGUgSW5jLjELMAkGA1UEBhMCVVMwHhcN
MTQwNDMwMTgxOTA2WhcNMzkwNDMwMTgxOTA2WjBnMRswGQYDVQQDDBJBcHBsZSBS
b290IENBIC0gRzMxJjAkBgNVBAsMHUFwcGxlIENlcnRpZmljYXRpb24gQXV0aG9y
aXR5MRMwEQYDVQQKDApBcHBsZSBJbmMuMQswCQYDVQQGEwJVUzB2MBAGByqGSM49
AgEGBSuBBAAiA2IABJjpLz1AcqTtkyJygRMc3RCV8cWjTnHcFBbZDuWmBSp3ZHtf
TjjTuxxEtX/1H7YyYl3J6YRbTzBPEVoA/VhYDKX1DyxNB0cTddqXl5dvMVztK517
IDvYuVTZXpmkOlEKMaNCMEAwHQYDVR0OBBYEFLuw3qFYM4iapIqZ3r6966/ayySr
MA8GA1UdEwEB/wQFMAMBAf8wDgYDVR0PAQH/BAQDAgEGMAoGCCqGSM49BAMDA2gA
MGUCMQCD6cHEFl4aXTQY2e3v9GwOAEZLuN+yRhHFD/3meoyhpmvOwgPUnPWTxnS4
at+qIxUCMG1mihDK1A3UT82NQz60imOlM27jbdoXt2QfyFMm+YhidDkLF1vLUagM
6BgD56KyKA==
-----END CERTIFICATE-----`)

	appleRootOnce sync.Once
	appleRootPool *x509.CertPool
	appleRootErr  error
)

type AppleIAPConfig struct {
	// SharedSecret is the app-specific shared secret, sent as "password" when set.
	SharedSecret string
	BundleID     string

	ProductionURL string
	SandboxURL    string
	HTTPClient    *http.Client

	// RootCAs overrides the Apple root used to verify notification signatures.
	RootCAs *x509.CertPool
}

// AppleIAPService talks to the App Store receipt endpoint and verifies
// App Store Server Notifications.
type AppleIAPService struct {
	sharedSecret  string
	bundleID      string
	productionURL string
	sandboxURL    string
	client        *http.Client
	roots         *x509.CertPool
	now           func() time.Time
}

func NewAppleIAPService(cfg AppleIAPConfig) *AppleIAPService {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultVendorTimeout}
	}
	prod := strings.TrimSpace(cfg.ProductionURL)
	if prod == "" {
		prod = appleVerifyProductionURL
	}
	sandbox := strings.TrimSpace(cfg.SandboxURL)
	if sandbox == "" {
		sandbox = appleVerifySandboxURL
	}
	return &AppleIAPService{
		sharedSecret:  strings.TrimSpace(cfg.SharedSecret),
		bundleID:      strings.TrimSpace(cfg.BundleID),
		productionURL: prod,
		sandboxURL:    sandbox,
		client:        client,
		roots:         cfg.RootCAs,
		now:           time.Now,
	}
}

// VerifyReceipt posts the receipt to production, or sandbox when isSandbox is
// set, and retries once against the other environment when Apple reports the
// receipt belongs there.
func (s *AppleIAPService) VerifyReceipt(ctx context.Context, receiptData string, isSandbox bool) (models.AppleReceiptResponse, error) {
	if strings.TrimSpace(receiptData) == "" {
		return models.AppleReceiptResponse{}, errors.New("receipt data is required")
	}
	url, env := s.productionURL, "production"
	if isSandbox {
		url, env = s.sandboxURL, "sandbox"
	}

	resp, err := s.postReceipt(ctx, url, receiptData)
	if err != nil {
		return models.AppleReceiptResponse{}, fmt.Errorf("apple verifyReceipt %s: %w", env, err)
	}

	switch {
	case env == "production" && resp.Status == AppleStatusSandboxReceipt:
		url, env = s.sandboxURL, "sandbox"
	case env == "sandbox" && resp.Status == AppleStatusProductionReceipt:
		url, env = s.productionURL, "production"
	default:
		if resp.Environment == "" {
			resp.Environment = env
		}
		return resp, nil
	}

	resp, err = s.postReceipt(ctx, url, receiptData)
	if err != nil {
		return models.AppleReceiptResponse{}, fmt.Errorf("apple verifyReceipt %s: %w", env, err)
	}
	if resp.Environment == "" {
		resp.Environment = env
	}
	return resp, nil
}

func (s *AppleIAPService) postReceipt(ctx context.Context, url, receiptData string) (models.AppleReceiptResponse, error) {
	body := map[string]any{
		"receipt-data":             receiptData,
		"exclude_old_transactions": true,
	}
	if s.sharedSecret != "" {
		body["password"] = s.sharedSecret
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return models.AppleReceiptResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return models.AppleReceiptResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return models.AppleReceiptResponse{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.AppleReceiptResponse{}, err
	}
	if resp.StatusCode >= 400 {
		return models.AppleReceiptResponse{}, fmt.Errorf("%s (%s)", resp.Status, strings.TrimSpace(string(raw)))
	}

	var out models.AppleReceiptResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.AppleReceiptResponse{}, fmt.Errorf("decode response: %w", err)
	}
	out.Raw = string(raw)
	return out, nil
}

// ParseNotification verifies signedPayload from Apple server notifications and returns the decoded payload.
func (s *AppleIAPService) ParseNotification(signedPayload string) (models.AppleNotification, error) {
	data, err := s.verifyJWS(signedPayload)
	if err != nil {
		return models.AppleNotification{}, err
	}
	var notif models.AppleNotification
	if err := json.Unmarshal(data, &notif); err != nil {
		return models.AppleNotification{}, err
	}
	notif.Raw = signedPayload
	if s.bundleID != "" && notif.Data.BundleID != "" && notif.Data.BundleID != s.bundleID {
		return models.AppleNotification{}, fmt.Errorf("bundle id mismatch: %s", notif.Data.BundleID)
	}
	return notif, nil
}

// DecodeSignedTransaction verifies and decodes Apple's signedTransactionInfo JWS payload.
func (s *AppleIAPService) DecodeSignedTransaction(signedInfo string) (models.AppleTransaction, error) {
	payload, err := s.verifyJWS(signedInfo)
	if err != nil {
		return models.AppleTransaction{}, err
	}
	var txn models.AppleTransaction
	if err := json.Unmarshal(payload, &txn); err != nil {
		return models.AppleTransaction{}, err
	}
	txn.Raw = signedInfo
	return txn, nil
}

func (s *AppleIAPService) verifyJWS(token string) ([]byte, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("empty signed payload")
	}

	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, err
	}
	if len(jws.Signatures) == 0 {
		return nil, errors.New("missing signature")
	}

	roots := s.roots
	if roots == nil {
		if roots, err = appleRootCertPool(); err != nil {
			return nil, err
		}
	}
	opts := x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: s.now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	chains, err := jws.Signatures[0].Header.Certificates(opts)
	if err != nil {
		return nil, fmt.Errorf("apple jws: %w", err)
	}
	if len(chains) == 0 || len(chains[0]) == 0 {
		return nil, errors.New("apple jws: empty certificate chain")
	}
	leaf := chains[0][0]
	if leaf.PublicKey == nil {
		return nil, errors.New("apple jws: certificate missing public key")
	}
	return jws.Verify(leaf.PublicKey)
}

func appleRootCertPool() (*x509.CertPool, error) {
	appleRootOnce.Do(func() {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(appleRootCAG3PEM) {
			appleRootErr = errors.New("apple root ca: invalid pem")
			return
		}
		appleRootPool = pool
	})
	return appleRootPool, appleRootErr
}
