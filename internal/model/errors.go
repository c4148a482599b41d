package model

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the machine-readable class of a domain error.
type Kind string

const (
	KindInvalidRequest             Kind = "invalid_request"
	KindInvalidAmount              Kind = "invalid_amount"
	KindInvalidAddress             Kind = "invalid_address"
	KindUnauthorized               Kind = "unauthorized"
	KindCDPNotFound                Kind = "cdp_not_found"
	KindCDPNotActive               Kind = "cdp_not_active"
	KindCDPAlreadyLiquidated       Kind = "cdp_already_liquidated"
	KindCDPClosed                  Kind = "cdp_closed"
	KindCDPNotLiquidatable         Kind = "cdp_not_liquidatable"
	KindInsufficientCollateral     Kind = "insufficient_collateral"
	KindPriceUnavailable           Kind = "price_unavailable"
	KindPriceStale                 Kind = "price_stale"
	KindPriceManipulationSuspected Kind = "price_manipulation_suspected"
	KindDepositPending             Kind = "deposit_pending"
	KindInvalidDeposit             Kind = "invalid_deposit"
	KindCeilingExceeded            Kind = "ceiling_exceeded"
	KindPaused                     Kind = "paused"
	KindSettlementFailed           Kind = "settlement_failed"
	KindInternal                   Kind = "internal"
)

// Category groups kinds by how a caller should react to them.
type Category string

const (
	CategoryInput         Category = "input"
	CategoryAuthorization Category = "authorization"
	CategoryState         Category = "state"
	CategorySolvency      Category = "solvency"
	CategoryOracle        Category = "oracle"
	CategorySettlement    Category = "settlement"
	CategoryAvailability  Category = "availability"
)

// Category returns the group k belongs to.
func (k Kind) Category() Category {
	switch k {
	case KindInvalidRequest, KindInvalidAmount, KindInvalidAddress:
		return CategoryInput
	case KindUnauthorized:
		return CategoryAuthorization
	case KindCDPNotFound, KindCDPNotActive, KindCDPAlreadyLiquidated, KindCDPClosed, KindCDPNotLiquidatable:
		return CategoryState
	case KindInsufficientCollateral:
		return CategorySolvency
	case KindPriceUnavailable, KindPriceStale, KindPriceManipulationSuspected:
		return CategoryOracle
	case KindDepositPending, KindInvalidDeposit, KindSettlementFailed:
		return CategorySettlement
	default:
		return CategoryAvailability
	}
}

// Error is a domain error. It carries the boundary values involved so a
// client can correct its request without parsing the message.
type Error struct {
	Kind      Kind   `json:"kind"`
	CDPID     uint64 `json:"cdp_id,omitempty"`
	Requested uint64 `json:"requested,omitempty"`
	Limit     uint64 `json:"limit,omitempty"`
	Detail    string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.CDPID != 0 {
		fmt.Fprintf(&b, " (cdp %d)", e.CDPID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Requested != 0 || e.Limit != 0 {
		fmt.Fprintf(&b, " [requested=%d limit=%d]", e.Requested, e.Limit)
	}
	return b.String()
}

// Is matches errors of the same kind. Liquidated and closed positions also
// match ErrCDPNotActive.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindCDPNotActive &&
		(e.Kind == KindCDPAlreadyLiquidated || e.Kind == KindCDPClosed)
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidRequest             = &Error{Kind: KindInvalidRequest}
	ErrInvalidAmount              = &Error{Kind: KindInvalidAmount}
	ErrInvalidAddress             = &Error{Kind: KindInvalidAddress}
	ErrUnauthorized               = &Error{Kind: KindUnauthorized}
	ErrCDPNotFound                = &Error{Kind: KindCDPNotFound}
	ErrCDPNotActive               = &Error{Kind: KindCDPNotActive}
	ErrCDPAlreadyLiquidated       = &Error{Kind: KindCDPAlreadyLiquidated}
	ErrCDPClosed                  = &Error{Kind: KindCDPClosed}
	ErrCDPNotLiquidatable         = &Error{Kind: KindCDPNotLiquidatable}
	ErrInsufficientCollateral     = &Error{Kind: KindInsufficientCollateral}
	ErrPriceUnavailable           = &Error{Kind: KindPriceUnavailable}
	ErrPriceStale                 = &Error{Kind: KindPriceStale}
	ErrPriceManipulationSuspected = &Error{Kind: KindPriceManipulationSuspected}
	ErrDepositPending             = &Error{Kind: KindDepositPending}
	ErrInvalidDeposit             = &Error{Kind: KindInvalidDeposit}
	ErrCeilingExceeded            = &Error{Kind: KindCeilingExceeded}
	ErrPaused                     = &Error{Kind: KindPaused}
	ErrSettlementFailed           = &Error{Kind: KindSettlementFailed}
	ErrInternal                   = &Error{Kind: KindInternal}
)

// Errorf builds an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// ForCDP returns a copy of e scoped to a position.
func (e *Error) ForCDP(id uint64) *Error {
	c := *e
	c.CDPID = id
	return &c
}

// Bounds returns a copy of e carrying the requested value and the limit it
// was checked against.
func (e *Error) Bounds(requested, limit uint64) *Error {
	c := *e
	c.Requested = requested
	c.Limit = limit
	return &c
}

// KindOf returns the kind of the first *Error in err's chain, or "" if err
// is not a domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusError maps a terminal status to its state error.
func StatusError(id uint64, s Status) *Error {
	switch s {
	case StatusLiquidated:
		return Errorf(KindCDPAlreadyLiquidated, "position was liquidated").ForCDP(id)
	case StatusClosed:
		return Errorf(KindCDPClosed, "position is closed").ForCDP(id)
	default:
		return Errorf(KindCDPNotActive, "position is %s", s).ForCDP(id)
	}
}
