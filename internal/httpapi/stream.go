package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaycrm/internal/contactsync"
	"github.com/agentworkforce/relaycrm/internal/logger"
)

const streamWriteTimeout = 5 * time.Second

// handleStream upgrades to a websocket and relays change events for the
// caller's customer until either side goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, id identity, correlationID string) {
	feed := s.service.Feed()
	if feed == nil {
		writeError(w, http.StatusNotFound, "not_found", "change stream is disabled", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: s.cfg.StreamSkipOriginCheck})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	log := logger.FromContextOr(r.Context(), s.logger).With("customerId", id.CustomerID)
	events, cancel := feed.Subscribe(id.CustomerID)
	defer cancel()
	log.Info("change stream opened")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Info("change stream closed")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if err := writeStreamEvent(ctx, conn, event); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Warn("change stream write failed", "error", err)
				}
				return
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, event contactsync.ChangeEvent) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}
