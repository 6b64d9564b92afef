// Package stream implements the self-healing WebSocket engine: a
// connection state machine, a subscription registry with
// confirmation-driven subscribe/unsubscribe, and a per-topic queue hub
// that callers pull inbound frames from. It is deliberately free of any
// import on the parent gateway package — the REST/OAuth engine and this
// package communicate only through a small function-shaped hook
// (HeaderProvider, which supplies the dial headers) and through
// interfaces the gateway package defines and Connection satisfies
// (gateway.ConnectionHealth), per spec §9's note on
// resolving the cyclic reference between the WebSocket engine and the
// REST client via dependency injection rather than a direct import.
package stream

import "time"

// Topic identifies the queue a routed frame lands in. The set is
// closed, mirroring spec §3's "topic identifier enumerated from a
// closed set".
type Topic string

const (
	TopicMarketData     Topic = "market-data"
	TopicMarketHistory   Topic = "market-history"
	TopicAccountSummary  Topic = "account-summary"
	TopicAccountLedger   Topic = "account-ledger"
	TopicPriceLadder     Topic = "price-ladder"
	TopicOrders          Topic = "orders"
	TopicProfitAndLoss   Topic = "profit-and-loss"
	TopicTrades          Topic = "trades"
	TopicAccountUpdates  Topic = "account-updates"
	TopicAuthentication  Topic = "authentication"
	TopicBulletins       Topic = "bulletins"
	TopicError           Topic = "error"
	TopicSystem          Topic = "system"
	TopicNotifications   Topic = "notifications"
)

// channelPrefixTopics is the static bijection between solicited channel
// prefixes and topic identifiers spec §3's "channel/key mapping"
// describes. Prefixes follow the Client Portal Gateway's documented
// topic letters (md = market data, or = orders, pl = profit and loss,
// etc.); unrecognized prefixes are treated as unsolicited.
var channelPrefixTopics = map[string]Topic{
	"md":  TopicMarketData,
	"mh":  TopicMarketHistory,
	"sor": TopicAccountSummary,
	"ledger": TopicAccountLedger,
	"bod": TopicPriceLadder,
	"or":  TopicOrders,
	"pl":  TopicProfitAndLoss,
	"tr":  TopicTrades,
	"act": TopicAccountUpdates,
}

// unsolicitedChannelTopics maps server-initiated channel prefixes that
// are always recognized. Frames on these channels are queued like
// solicited ones; there is no caller opt-in or filter for them.
var unsolicitedChannelTopics = map[string]Topic{
	"sts":   TopicAuthentication,
	"blt":   TopicBulletins,
	"error": TopicError,
	"system": TopicSystem,
	"ntf":   TopicNotifications,
}

// topicForChannel splits a channel string into its topic and reports
// whether the channel is solicited (i.e. has a known prefix in the
// subscription registry sense) versus merely recognized-unsolicited.
func topicForChannel(channel string) (topic Topic, unsolicited bool, ok bool) {
	prefix := channelPrefix(channel)
	if t, found := channelPrefixTopics[prefix]; found {
		return t, false, true
	}
	if t, found := unsolicitedChannelTopics[prefix]; found {
		return t, true, true
	}
	return "", false, false
}

// channelPrefix returns the portion of a channel string before the
// first '+' separator, e.g. "md+265598" -> "md".
func channelPrefix(channel string) string {
	for i := 0; i < len(channel); i++ {
		if channel[i] == '+' {
			return channel[:i]
		}
	}
	return channel
}

// Frame is a parsed inbound WebSocket message. Topic/Message mirror the
// routing-relevant fields spec §6 names; Raw keeps the original bytes
// for processors that need more than the two named fields.
type Frame struct {
	Topic      string
	Message    string
	Raw        []byte
	ReceivedAt time.Time
}

// HeaderProvider returns the headers to attach to the WebSocket dial
// (session cookie, bearer token, or an OAuth authorization header,
// depending on how the caller's gateway.Engine is configured). This
// package only sees the function shape, never any concrete signer type
// from the parent package, which is what keeps it import-free of it.
type HeaderProvider func() (map[string]string, error)
