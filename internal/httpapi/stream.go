package httpapi

import (
	"fmt"
	"net/http"

	"github.com/ManuGH/xg2g/internal/broadcast"
	"github.com/google/uuid"
)

// sseSubscriber adapts one HTTP connection to broadcast.Subscriber by
// serializing each Message and handing it to the handler's write loop
// through a 16-slot buffered channel. Send never blocks: when the buffer is
// full it returns an error, and the hub then drops the subscriber.
type sseSubscriber struct {
	out chan []byte
}

func newSSESubscriber() *sseSubscriber {
	return &sseSubscriber{out: make(chan []byte, 16)}
}

func (s *sseSubscriber) Send(msg broadcast.Message) error {
	data, err := msg.MarshalJSON()
	if err != nil {
		return err
	}
	select {
	case s.out <- data:
		return nil
	default:
		return fmt.Errorf("sse subscriber buffer full")
	}
}

// handleStream upgrades to a server-sent-events connection and fans out
// every broadcast.Hub message (state_update, session_update,
// connection_status, heartbeat) until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := newSSESubscriber()
	id := uuid.NewString()
	s.hub.Subscribe(id, sub)
	defer s.hub.Unsubscribe(id)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sub.out:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
