package stream

import "sync"

// PayloadProcessor builds the wire payload for subscribe/unsubscribe
// actions on one channel. The default processor implements the "s"/"u"
// + channel + JSON conventions spec §4.5 describes; callers may supply
// their own to target a different wire format.
type PayloadProcessor interface {
	MakeSubscribePayload(channel string, data map[string]any) string
	MakeUnsubscribePayload(channel string, data map[string]any) string
}

// defaultProcessor implements PayloadProcessor per spec §4.5's default
// format.
type defaultProcessor struct{}

func (defaultProcessor) MakeSubscribePayload(channel string, data map[string]any) string {
	if len(data) == 0 {
		return "s" + channel
	}
	return "s" + channel + "+" + compactJSON(data)
}

func (defaultProcessor) MakeUnsubscribePayload(channel string, data map[string]any) string {
	if data == nil {
		data = map[string]any{}
	}
	return "u" + channel + "+" + compactJSON(data)
}

// DefaultProcessor returns the library's built-in s/u+channel+JSON
// payload processor.
func DefaultProcessor() PayloadProcessor { return defaultProcessor{} }

// subscriptionRecord is one entry in the registry, per spec §3's
// "subscription record" data model.
type subscriptionRecord struct {
	channel           string
	desired           bool
	confirmed         bool
	data              map[string]any
	needsConfirmation bool
	processor         PayloadProcessor
}

// Registry tracks desired-vs-actual subscription state per channel. It
// is the single source of truth for what must be active after any
// reconnect, per spec §3's invariant, and is protected by a single
// lock per spec §5 — every mutation happens under it, and reads during
// reconnect snapshot the registry rather than holding the lock during
// I/O. Grounded on the teacher's SubscriptionManager in
// adapter/websocket/subscription_manager.go, which tracks Subscription
// structs in a map under its own mutex for the identical "know what
// must be resubscribed after reconnect" purpose.
type Registry struct {
	mu      sync.Mutex
	records map[string]*subscriptionRecord
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*subscriptionRecord)}
}

// Upsert inserts or updates the record for channel as desired, storing
// data/needsConfirmation/processor. confirmed is reset to false on
// upsert (a fresh subscribe always re-arms confirmation tracking).
func (r *Registry) Upsert(channel string, data map[string]any, needsConfirmation bool, processor PayloadProcessor) {
	if processor == nil {
		processor = defaultProcessor{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[channel] = &subscriptionRecord{
		channel:           channel,
		desired:           true,
		data:              data,
		needsConfirmation: needsConfirmation,
		processor:         processor,
	}
}

// Remove deletes channel's record, e.g. after a successful unsubscribe.
func (r *Registry) Remove(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, channel)
}

// Confirm marks channel's record confirmed, if it exists. Called by the
// dispatcher when an inbound frame indicates a subscription
// confirmation, per spec §4.4.
func (r *Registry) Confirm(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[channel]; ok {
		rec.confirmed = true
	}
}

// IsActive reports whether channel is both desired and confirmed
// (unconfirmed-but-not-requiring-confirmation counts as active too).
func (r *Registry) IsActive(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[channel]
	if !ok || !rec.desired {
		return false
	}
	return rec.confirmed || !rec.needsConfirmation
}

// Modify updates fields of an existing record in place. Any argument
// passed as nil leaves that field unchanged, implementing spec §4.5's
// UNDEFINED-sentinel semantics via Go's nil. Returns an error if the
// channel is not registered.
func (r *Registry) Modify(channel string, data map[string]any, needsConfirmation *bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[channel]
	if !ok {
		return errChannelNotRegistered(channel)
	}
	if data != nil {
		rec.data = data
	}
	if needsConfirmation != nil {
		rec.needsConfirmation = *needsConfirmation
	}
	rec.confirmed = false
	return nil
}

// Snapshot returns a shallow copy of every desired record, for the
// reconnect-replay pass to iterate without holding the registry lock
// during socket I/O, per spec §5.
func (r *Registry) Snapshot() []SubscriptionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SubscriptionSnapshot, 0, len(r.records))
	for _, rec := range r.records {
		if !rec.desired {
			continue
		}
		out = append(out, SubscriptionSnapshot{
			Channel:           rec.channel,
			Data:              rec.data,
			NeedsConfirmation: rec.needsConfirmation,
			Processor:         rec.processor,
		})
	}
	return out
}

// SubscriptionSnapshot is an immutable read of one subscription record,
// safe to use after the registry lock has been released.
type SubscriptionSnapshot struct {
	Channel           string
	Data              map[string]any
	NeedsConfirmation bool
	Processor         PayloadProcessor
}
