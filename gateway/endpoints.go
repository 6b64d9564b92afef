package gateway

import (
	"context"
	"strings"
)

// This file holds the thin endpoint wrappers spec §1 calls "plumbing
// over the core" — explicitly out of scope for exhaustive
// reimplementation, but a handful are wired here because the core
// itself depends on them: keep-alive drives the Tickler, auth-status
// drives the HealthMonitor, and the rest demonstrate the wrapper shape
// for any caller wanting more. Grounded on the teacher's per-endpoint
// methods in adapter/saxo.go (GetAccounts, PlaceOrder, GetOpenPositions,
// GetClientInfo, ...), which follow the identical "build a Request,
// call doRequest, return typed data" shape.

// Accounts returns the caller's brokerage accounts.
func (e *Engine) Accounts(ctx context.Context) (Result, error) {
	return e.Get(ctx, "/iserver/accounts", nil)
}

// Portfolio returns the positions held under accountID.
func (e *Engine) Portfolio(ctx context.Context, accountID string) (Result, error) {
	return e.Get(ctx, "/portfolio/"+accountID+"/positions", nil)
}

// Contracts searches for contract/instrument matches for a symbol.
func (e *Engine) Contracts(ctx context.Context, symbol string) (Result, error) {
	return e.Get(ctx, "/iserver/secdef/search", map[string]any{"symbol": symbol})
}

// MarketDataSnapshot fetches a REST market-data snapshot for a set of
// contract ids and field ids. Per the glossary's "pre-flight" entry, an
// Accounts() call is expected to have already run at least once in the
// session before this succeeds.
func (e *Engine) MarketDataSnapshot(ctx context.Context, conIDs []string, fields []string) (Result, error) {
	conidCSV := joinCSV(conIDs)
	fieldsCSV := joinCSV(fields)
	return e.Get(ctx, "/iserver/marketdata/snapshot", map[string]any{
		"conids": conidCSV,
		"fields": fieldsCSV,
	})
}

// PlaceOrder submits an order for accountID. order is the gateway's
// order JSON body (mapping field names to values; null-valued entries
// are elided by the request pipeline).
//
// Order placement sometimes returns a "questions" flow (a protocol
// error per spec §7 when the flow produces too many or unanswered
// questions); this wrapper does not attempt to auto-answer, it returns
// the raw Result so a caller-supplied policy can decide.
func (e *Engine) PlaceOrder(ctx context.Context, accountID string, order map[string]any) (Result, error) {
	e.orderMu.Lock()
	defer e.orderMu.Unlock()
	return e.Post(ctx, "/iserver/account/"+accountID+"/orders", map[string]any{"orders": []any{order}})
}

// ModifyOrder updates an existing order, serialized with PlaceOrder by
// the same order-submission lock per spec §5.
func (e *Engine) ModifyOrder(ctx context.Context, accountID, orderID string, order map[string]any) (Result, error) {
	e.orderMu.Lock()
	defer e.orderMu.Unlock()
	return e.Request(ctx, Request{
		Method: "POST",
		Path:   "/iserver/account/" + accountID + "/order/" + orderID,
		Body:   order,
	})
}

// KeepAlive pings the session keep-alive endpoint. Satisfies
// Tickleable via the TicklerFunc adapter: NewTickler(TicklerFunc(engine.KeepAlive), ...).
func (e *Engine) KeepAlive(ctx context.Context) error {
	_, err := e.Get(ctx, "/tickle", nil)
	return err
}

// AuthStatus probes the brokerage session's dedicated auth-status
// endpoint and reads its top-level authenticated/competing/connected
// fields. Spec §6 describes this triple living instead on the
// keep-alive response's nested iserver.authStatus subobject; this
// wrapper reads the same three flags from the narrower, purpose-built
// endpoint rather than piggybacking on KeepAlive's response shape.
// Satisfies AuthStatusChecker for HealthMonitor.
func (e *Engine) AuthStatus(ctx context.Context) (AuthStatusResult, error) {
	result, err := e.Post(ctx, "/iserver/auth/status", nil)
	if err != nil {
		return AuthStatusResult{}, err
	}
	data, ok := result.Data.(map[string]any)
	if !ok {
		return AuthStatusResult{}, newError(KindProtocol, "POST", "/iserver/auth/status", "unexpected auth status response shape", nil)
	}
	return AuthStatusResult{
		Authenticated: boolField(data, "authenticated"),
		Competing:     boolField(data, "competing"),
		Connected:     boolField(data, "connected"),
	}, nil
}

func boolField(m map[string]any, key string) bool {
	v, ok := m[key].(bool)
	return ok && v
}

func joinCSV(values []string) string {
	return strings.Join(values, ",")
}
