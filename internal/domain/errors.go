package domain

import (
	"errors"
	"fmt"
)

var (
	ErrQuoteUnavailable      = errors.New("quote unavailable")
	ErrConstraintUnavailable = errors.New("lot constraint unavailable")
	ErrQuotesUnavailable     = errors.New("quotes unavailable")
	ErrNotProfitable         = errors.New("not profitable")
	ErrLegFailed             = errors.New("buy leg failed")
	ErrPartialFailure        = errors.New("partial failure: buy leg filled, sell leg failed")
	ErrTradeInProgress       = errors.New("trade already in progress")
	ErrUnknownSymbol         = errors.New("unknown symbol")
	ErrUnknownVenue          = errors.New("unknown venue")
)

// OrderRejectedError is a venue-level rejection. It is never retried.
type OrderRejectedError struct {
	Venue   Venue
	Code    string
	Message string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("%s rejected order: code=%s msg=%s", e.Venue, e.Code, e.Message)
}

// TransportError is a network, timeout or server-side failure that may be retried.
type TransportError struct {
	Venue Venue
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport error: %v", e.Venue, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsRejected(err error) bool {
	var re *OrderRejectedError
	return errors.As(err, &re)
}
