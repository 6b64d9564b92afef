package stream

import (
	"encoding/json"
	"fmt"
)

func compactJSON(data map[string]any) string {
	encoded, err := json.Marshal(data)
	if err != nil {
		// data is always a plain map[string]any built by the caller from
		// JSON-safe values; a marshal failure here means the caller passed
		// something non-serializable, which is a programmer error, not a
		// wire-level one.
		panic(fmt.Sprintf("cpgateway/stream: failed to marshal subscription payload: %v", err))
	}
	return string(encoded)
}

func errChannelNotRegistered(channel string) error {
	return fmt.Errorf("cpgateway/stream: channel %q is not registered", channel)
}
