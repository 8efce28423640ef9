package events

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Build returns the sink for the configured kind. The websocket hub is not
// built here: it needs to be mounted on the HTTP server, so the caller
// composes it into a Fanout alongside this sink.
func Build(kind, dataPath, webhookURL string, log zerolog.Logger) (Sink, error) {
	switch kind {
	case "", "none":
		return Noop{}, nil
	case "file":
		if dataPath == "" {
			return nil, fmt.Errorf("events: file sink requires a data path")
		}
		return NewFileSink(dataPath, log), nil
	case "webhook":
		if webhookURL == "" {
			return nil, fmt.Errorf("events: webhook sink requires a URL")
		}
		return NewWebhookSink(webhookURL, log), nil
	default:
		return nil, fmt.Errorf("events: unknown sink kind %q", kind)
	}
}
