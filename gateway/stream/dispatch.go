package stream

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// wireFrame is the minimal JSON shape dispatch needs, per spec §6:
// "topic ... message ... and confirmation markers embedded in
// topic-specific payloads." Fields beyond these two are opaque to the
// engine and left in Frame.Raw for processors that need them.
type wireFrame struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

func parseFrame(raw []byte) Frame {
	var w wireFrame
	_ = json.Unmarshal(raw, &w) // malformed frames fall through with empty fields, logged by dispatch as unrecognized
	return Frame{Topic: w.Topic, Message: w.Message, Raw: raw, ReceivedAt: time.Now()}
}

// dispatch implements spec §4.4's per-frame routing rules: session/
// heartbeat bookkeeping, confirmation detection, and topic-queue
// routing (every recognized channel, solicited or unsolicited, is
// queued; there is no opt-in filter for unsolicited channels;
// everything else is dropped after logging).
func (c *Connection) dispatch(frame Frame) {
	if frame.Topic == "" {
		c.logger.Debug("dropping frame with no topic", "message", frame.Message)
		return
	}

	if frame.Topic == "system" {
		c.recordHeartbeat()
		return
	}

	if frame.Topic == "error" && c.opts.RestartOnCritical {
		c.logger.Error("fatal protocol error frame received", "message", frame.Message)
		go func() {
			if err := c.HardReset(context.Background(), true); err != nil {
				c.logger.Error("hard reset after critical error failed", "error", err)
			}
		}()
		return
	}

	// A topic that is itself a recognized channel is a data frame, not a
	// confirmation marker, even if it happens to start with "s" (e.g.
	// "sor", the account summary channel). Confirmation detection only
	// applies once direct routing has ruled that out.
	if topic, _, ok := topicForChannel(frame.Topic); ok {
		c.hub.Push(topic, c.opts.Unwrap(frame))
		return
	}

	if confirmedChannel, ok := confirmationChannel(frame.Topic); ok {
		c.reg.Confirm(confirmedChannel)
		return
	}

	c.logger.Debug("dropping unrecognized frame", "topic", frame.Topic)
}

// confirmationChannel reports whether topic is a subscription
// confirmation marker for some channel, and if so, which channel. The
// wire convention mirrors the subscribe payload prefix: subscribing to
// channel "md+265598" is confirmed by an inbound frame whose topic is
// "smd+265598". Callers must first rule out frame.Topic being a
// directly-recognized channel (see dispatch), since that takes
// precedence over the confirmation-marker interpretation.
func confirmationChannel(topic string) (string, bool) {
	if !strings.HasPrefix(topic, "s") || len(topic) < 2 {
		return "", false
	}
	channel := topic[1:]
	if _, _, ok := topicForChannel(channel); ok {
		return channel, true
	}
	return "", false
}
