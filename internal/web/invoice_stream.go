package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/lntypes"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type invoiceEvent struct {
	RHash string    `json:"r_hash"`
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// handleInvoiceStream pushes state changes of one hold invoice over a
// websocket until the invoice reaches a terminal state or the client leaves.
func (s *Server) handleInvoiceStream(w http.ResponseWriter, r *http.Request) {
	rHash, err := lntypes.MakeHashFromStr(r.PathValue("rhash"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid payment hash")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates, cancel := s.gate.Subscribe(rHash)
	defer cancel()

	// Reads are discarded; the read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case update := <-updates:
			ev := invoiceEvent{
				RHash: update.RHash.String(),
				State: string(update.State),
				At:    update.At,
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if update.State.IsTerminal() {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
