package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("hub: streaming unsupported")

// ServeSSE drains c onto w as a text/event-stream until ctx is cancelled, the
// client is removed, or a write fails. The caller owns registration and
// removal of c.
func (h *Hub) ServeSSE(ctx context.Context, w http.ResponseWriter, c *Client) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Comment line so clients see the stream open before the first event.
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return err
	}
	flusher.Flush()

	for {
		msg, err := c.Next(ctx, h.heartbeat)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrClientClosed) {
				return nil
			}
			return err
		}
		if err := writeSSE(w, msg); err != nil {
			h.log.Debug().Err(err).Str("client_id", c.ID).Msg("sse write failed")
			return err
		}
		flusher.Flush()
	}
}

// writeSSE writes one frame. Data is compact JSON and never contains a newline.
func writeSSE(w http.ResponseWriter, msg Message) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
	return err
}
