package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"

	"purchaseBack/internal/models"
)

// GooglePurchaseClient reads product purchase state from Google Play and
// acknowledges purchases once they are credited.
type GooglePurchaseClient interface {
	GetProductPurchase(ctx context.Context, packageName, productID, token string) (models.GooglePurchase, error)
	AcknowledgeProduct(ctx context.Context, packageName, productID, token string) error
}

type GooglePlayConfig struct {
	ServiceAccountJSON string

	// HTTPClient is the base client for both the token exchange and API calls;
	// the OAuth2 transport is layered on top of it.
	HTTPClient *http.Client
	Timeout    time.Duration

	// Endpoint overrides the Android Publisher base URL.
	Endpoint string
}

type GooglePlayService struct {
	svc     *androidpublisher.Service
	timeout time.Duration
}

// NewGooglePlayService builds an OAuth2 token source from the service account
// credentials, scoped to the Android Publisher API.
func NewGooglePlayService(ctx context.Context, cfg GooglePlayConfig) (*GooglePlayService, error) {
	if strings.TrimSpace(cfg.ServiceAccountJSON) == "" {
		return nil, errors.New("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultVendorTimeout
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: timeout}
	}
	// The token source fetches tokens with the client carried by this context.
	authCtx := context.WithValue(ctx, oauth2.HTTPClient, base)

	creds, err := google.CredentialsFromJSON(authCtx, []byte(cfg.ServiceAccountJSON), androidpublisher.AndroidpublisherScope)
	if err != nil {
		return nil, fmt.Errorf("google credentials: %w", err)
	}
	client := oauth2.NewClient(authCtx, creds.TokenSource)
	client.Timeout = timeout

	svc, err := NewGooglePlayServiceWithClient(ctx, client, cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	svc.timeout = timeout
	return svc, nil
}

// NewGooglePlayServiceWithClient uses an already authorized HTTP client.
func NewGooglePlayServiceWithClient(ctx context.Context, client *http.Client, endpoint string) (*GooglePlayService, error) {
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	s, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher.NewService: %w", err)
	}
	return &GooglePlayService{svc: s, timeout: defaultVendorTimeout}, nil
}

func (s *GooglePlayService) GetProductPurchase(ctx context.Context, packageName, productID, token string) (models.GooglePurchase, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.svc.Purchases.Products.Get(packageName, productID, token).
		Context(ctx).
		Do()
	if err != nil {
		return models.GooglePurchase{}, fmt.Errorf("google products.get: %w", err)
	}

	raw, _ := json.Marshal(resp)

	return models.GooglePurchase{
		PackageName:   packageName,
		ProductID:     productID,
		PurchaseToken: token,
		OrderID:       resp.OrderId,
		PurchaseState: resp.PurchaseState,
		Acknowledged:  resp.AcknowledgementState == 1,
		Consumed:      resp.ConsumptionState == 1,
		Raw:           string(raw),
	}, nil
}

// AcknowledgeProduct marks a purchase as acknowledged. Play refunds product
// purchases that stay unacknowledged for three days.
func (s *GooglePlayService) AcknowledgeProduct(ctx context.Context, packageName, productID, token string) error {
	productID = strings.TrimSpace(productID)
	token = strings.TrimSpace(token)
	if packageName == "" || productID == "" || token == "" {
		return errors.New("package_name, product_id and purchase_token are required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := &androidpublisher.ProductPurchasesAcknowledgeRequest{}
	if err := s.svc.Purchases.Products.Acknowledge(packageName, productID, token, req).
		Context(ctx).
		Do(); err != nil {
		return fmt.Errorf("google products.acknowledge: %w", err)
	}
	return nil
}

// UnavailableGooglePlayClient is selected when no service account is configured.
type UnavailableGooglePlayClient struct{}

func (UnavailableGooglePlayClient) GetProductPurchase(context.Context, string, string, string) (models.GooglePurchase, error) {
	return models.GooglePurchase{}, models.ErrGoogleAuthUnavailable
}

func (UnavailableGooglePlayClient) AcknowledgeProduct(context.Context, string, string, string) error {
	return models.ErrGoogleAuthUnavailable
}

// NewGooglePurchaseClient returns the real client, or the unavailable stub
// when credentials are missing or unusable.
func NewGooglePurchaseClient(ctx context.Context, cfg GooglePlayConfig, logger Logger) GooglePurchaseClient {
	if logger == nil {
		logger = nopLogger{}
	}
	if strings.TrimSpace(cfg.ServiceAccountJSON) == "" {
		logger.Infof("[GOOGLE IAP] no service account configured, android verification disabled")
		return UnavailableGooglePlayClient{}
	}
	svc, err := NewGooglePlayService(ctx, cfg)
	if err != nil {
		logger.Errorf("[GOOGLE IAP] android verification disabled: %v", err)
		return UnavailableGooglePlayClient{}
	}
	return svc
}
