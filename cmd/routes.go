package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
)

func (app *application) JWTMiddlewareWithRole(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return app.JWTMiddleware(next, requiredRole)
	}
}

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)
	authMiddleware := standardMiddleware.Append(app.JWTMiddlewareWithRole("player"))
	adminAuthMiddleware := standardMiddleware.Append(app.JWTMiddlewareWithRole("admin"))
	featureMiddleware := authMiddleware.Append(app.requireFeature)

	mux := pat.New()

	mux.Get("/health", standardMiddleware.ThenFunc(app.health))

	// Purchases
	mux.Post("/iap/verify", authMiddleware.ThenFunc(app.iapHandler.VerifyPurchase))
	mux.Get("/iap/entitlements/:product_id", authMiddleware.ThenFunc(app.iapHandler.CheckEntitlement))

	// Store notifications
	mux.Post("/iap/apple/notifications", standardMiddleware.ThenFunc(app.iapHandler.AppleNotificationsV2))
	mux.Post("/iap/google/notifications", standardMiddleware.ThenFunc(app.iapHandler.GoogleNotifications))

	// Paid features
	mux.Get("/features/:name", featureMiddleware.ThenFunc(app.iapHandler.FeatureAccess))

	// Reporting
	mux.Get("/ledger/summary/:period", adminAuthMiddleware.ThenFunc(app.iapHandler.LedgerSummary))

	return mux
}

func (app *application) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
