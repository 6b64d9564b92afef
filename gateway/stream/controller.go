package stream

import (
	"context"
	"time"
)

// Controller drives subscribe/unsubscribe/modify against a Connection
// and Registry, implementing the retry-and-confirmation-wait contract
// of spec §4.5. Grounded on the teacher's SubscriptionManager.
// HandleSubscriptions in adapter/websocket/subscription_manager.go
// (iterate desired subscriptions, send, wait, retry), adapted from
// Saxo's HTTP-POST subscription calls into this engine's
// text-frame-over-the-socket subscribe/unsubscribe protocol per spec §6.
type Controller struct {
	conn                *Connection
	reg                 *Registry
	subscriptionRetries int
	subscriptionTimeout time.Duration
}

// NewController builds a Controller. retries/timeout come from
// Config.SubscriptionRetries/SubscriptionTimeout.
func NewController(conn *Connection, reg *Registry, retries int, timeout time.Duration) *Controller {
	return &Controller{conn: conn, reg: reg, subscriptionRetries: retries, subscriptionTimeout: timeout}
}

// Subscribe upserts the record, sends the subscribe payload, and — if
// needsConfirmation is true — polls for confirmation, retrying the
// exact same payload up to subscriptionRetries times. Returns true once
// confirmed (or immediately after send when confirmation isn't
// required), false once retries are exhausted without confirmation.
//
// needsConfirmation is caller-supplied rather than derived from
// channel's type; spec §3 describes the latter as the default.
func (c *Controller) Subscribe(ctx context.Context, channel string, data map[string]any, needsConfirmation bool, processor PayloadProcessor) (bool, error) {
	if processor == nil {
		processor = DefaultProcessor()
	}
	c.reg.Upsert(channel, data, needsConfirmation, processor)

	payload := processor.MakeSubscribePayload(channel, data)
	if err := c.conn.SendText(payload); err != nil {
		return false, err
	}
	if !needsConfirmation {
		return true, nil
	}

	return c.awaitConfirmation(ctx, channel, payload), nil
}

// awaitConfirmation polls for the confirmed flag, resending payload on
// each retry, per spec §4.5 step 4. It runs subscriptionRetries extra
// sends beyond the initial one already sent by the caller.
func (c *Controller) awaitConfirmation(ctx context.Context, channel, payload string) bool {
	for attempt := 0; attempt <= c.subscriptionRetries; attempt++ {
		if attempt > 0 {
			if err := c.conn.SendText(payload); err != nil {
				continue
			}
		}
		if c.pollConfirmed(ctx, channel) {
			return true
		}
	}
	return false
}

func (c *Controller) pollConfirmed(ctx context.Context, channel string) bool {
	deadline := time.Now().Add(c.subscriptionTimeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.reg.IsActive(channel) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Unsubscribe sends the unsubscribe payload and removes the record on
// success, per spec §4.5's symmetric rule.
func (c *Controller) Unsubscribe(channel string, data map[string]any, processor PayloadProcessor) error {
	if processor == nil {
		processor = DefaultProcessor()
	}
	payload := processor.MakeUnsubscribePayload(channel, data)
	if err := c.conn.SendText(payload); err != nil {
		return err
	}
	c.reg.Remove(channel)
	return nil
}

// Modify updates a subscription's fields in place without resending a
// payload, per spec §4.5; pass nil for fields that should be left
// unchanged.
func (c *Controller) Modify(channel string, data map[string]any, needsConfirmation *bool) error {
	return c.reg.Modify(channel, data, needsConfirmation)
}

// IsSubscriptionActive reports whether channel is currently active
// (desired and, if required, confirmed).
func (c *Controller) IsSubscriptionActive(channel string) bool {
	return c.reg.IsActive(channel)
}
