package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
)

func TestAppleVerifyReceipt_SandboxFailover(t *testing.T) {
	var prodCalls, sandboxCalls int
	var gotBody map[string]any

	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prodCalls++
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"status":21007}`))
	}))
	defer prod.Close()

	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sandboxCalls++
		w.Write([]byte(`{"status":0,"latest_receipt_info":[{"product_id":"coins_100","transaction_id":"1000","original_transaction_id":"1000"}]}`))
	}))
	defer sandbox.Close()

	svc := NewAppleIAPService(AppleIAPConfig{
		SharedSecret:  "s3cret",
		ProductionURL: prod.URL,
		SandboxURL:    sandbox.URL,
	})

	resp, err := svc.VerifyReceipt(context.Background(), "receipt-b64", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prodCalls != 1 || sandboxCalls != 1 {
		t.Fatalf("calls prod=%d sandbox=%d, want 1 and 1", prodCalls, sandboxCalls)
	}
	if resp.Status != 0 || resp.Environment != "sandbox" {
		t.Fatalf("status=%d env=%q, want 0 sandbox", resp.Status, resp.Environment)
	}
	if gotBody["receipt-data"] != "receipt-b64" {
		t.Errorf("receipt-data mismatch: %v", gotBody["receipt-data"])
	}
	if gotBody["password"] != "s3cret" {
		t.Errorf("password mismatch: %v", gotBody["password"])
	}
	if gotBody["exclude_old_transactions"] != true {
		t.Errorf("exclude_old_transactions mismatch: %v", gotBody["exclude_old_transactions"])
	}
}

func TestAppleVerifyReceipt_ProductionReceiptSentToSandbox(t *testing.T) {
	var prodCalls int
	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prodCalls++
		w.Write([]byte(`{"status":0,"environment":"Production"}`))
	}))
	defer prod.Close()
	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":21008}`))
	}))
	defer sandbox.Close()

	svc := NewAppleIAPService(AppleIAPConfig{ProductionURL: prod.URL, SandboxURL: sandbox.URL})
	resp, err := svc.VerifyReceipt(context.Background(), "receipt-b64", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prodCalls != 1 || resp.Environment != "Production" {
		t.Fatalf("prodCalls=%d env=%q", prodCalls, resp.Environment)
	}
}

func TestAppleVerifyReceipt_NoPasswordWithoutSecret(t *testing.T) {
	var gotBody map[string]any
	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"status":21002}`))
	}))
	defer prod.Close()

	svc := NewAppleIAPService(AppleIAPConfig{ProductionURL: prod.URL, SandboxURL: prod.URL})
	resp, err := svc.VerifyReceipt(context.Background(), "receipt-b64", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 21002 {
		t.Fatalf("status = %d, want 21002 passed through", resp.Status)
	}
	if _, ok := gotBody["password"]; ok {
		t.Fatalf("password sent without a shared secret")
	}
}

func TestAppleVerifyReceipt_HTTPError(t *testing.T) {
	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer prod.Close()

	svc := NewAppleIAPService(AppleIAPConfig{ProductionURL: prod.URL})
	if _, err := svc.VerifyReceipt(context.Background(), "receipt-b64", false); err == nil {
		t.Fatalf("expected error on 503")
	}
}

type testCA struct {
	root    *x509.Certificate
	rootDER []byte
	leafKey *ecdsa.PrivateKey
	leafDER []byte
}

func newTestCA(t *testing.T) testCA {
	t.Helper()
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("root key: %v", err)
	}
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("root cert: %v", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("parse root: %v", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("leaf key: %v", err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Notification Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("leaf cert: %v", err)
	}
	return testCA{root: root, rootDER: rootDER, leafKey: leafKey, leafDER: leafDER}
}

func (ca testCA) pool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(ca.root)
	return p
}

func (ca testCA) sign(t *testing.T, payload any) string {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	x5c := []string{
		base64.StdEncoding.EncodeToString(ca.leafDER),
		base64.StdEncoding.EncodeToString(ca.rootDER),
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: ca.leafKey},
		(&jose.SignerOptions{}).WithHeader("x5c", x5c),
	)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	obj, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	token, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return token
}

func TestAppleParseNotification_VerifiesChain(t *testing.T) {
	ca := newTestCA(t)
	signedTxn := ca.sign(t, map[string]any{
		"transactionId":         "2000",
		"originalTransactionId": "1000",
		"productId":             "premium_monthly",
		"bundleId":              "com.example.game",
		"environment":           "Sandbox",
	})
	signedPayload := ca.sign(t, map[string]any{
		"notificationType": "REFUND",
		"notificationUUID": "uuid-1",
		"data": map[string]any{
			"bundleId":              "com.example.game",
			"environment":           "Sandbox",
			"signedTransactionInfo": signedTxn,
		},
	})

	svc := NewAppleIAPService(AppleIAPConfig{BundleID: "com.example.game", RootCAs: ca.pool()})
	notif, err := svc.ParseNotification(signedPayload)
	if err != nil {
		t.Fatalf("parse notification: %v", err)
	}
	if notif.NotificationType != "REFUND" || notif.NotificationUUID != "uuid-1" {
		t.Fatalf("notification mismatch: %+v", notif)
	}

	txn, err := svc.DecodeSignedTransaction(notif.Data.SignedTransactionInfo)
	if err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	if txn.TransactionID != "2000" || txn.OriginalTransactionID != "1000" || txn.ProductID != "premium_monthly" {
		t.Fatalf("transaction mismatch: %+v", txn)
	}
}

func TestAppleParseNotification_RejectsUnknownRoot(t *testing.T) {
	signer := newTestCA(t)
	other := newTestCA(t)
	token := signer.sign(t, map[string]any{"notificationType": "REFUND"})

	svc := NewAppleIAPService(AppleIAPConfig{RootCAs: other.pool()})
	if _, err := svc.ParseNotification(token); err == nil {
		t.Fatalf("expected chain verification error")
	}
}

func TestAppleParseNotification_RejectsBundleMismatch(t *testing.T) {
	ca := newTestCA(t)
	token := ca.sign(t, map[string]any{
		"notificationType": "REFUND",
		"data":             map[string]any{"bundleId": "com.other.app"},
	})

	svc := NewAppleIAPService(AppleIAPConfig{BundleID: "com.example.game", RootCAs: ca.pool()})
	_, err := svc.ParseNotification(token)
	if err == nil || !strings.Contains(err.Error(), "bundle id mismatch") {
		t.Fatalf("err = %v, want bundle id mismatch", err)
	}
}

func TestAppleRootCertPool_Parses(t *testing.T) {
	if _, err := appleRootCertPool(); err != nil {
		t.Fatalf("embedded apple root: %v", err)
	}
}
