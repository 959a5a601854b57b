package models

import (
	"errors"
)

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrEntitlementRequired   = errors.New("entitlement required")
	ErrGoogleAuthUnavailable = errors.New("google play credentials are not configured")
	ErrLedgerNotLoaded       = errors.New("ledger: index not loaded")
	ErrInvalidLedgerEvent    = errors.New("ledger: invalid event")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrInvalidPeriod         = errors.New("invalid period")
)
