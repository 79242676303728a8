package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"go.uber.org/zap"
)

const (
	msgProposal   = "proposal"
	msgSignature  = "signature"
	msgFinalize   = "finalize"
	msgTxRequest  = "tx_request"
	msgTxResponse = "tx_response"
)

type envelope struct {
	Type       string                   `json:"type"`
	Proposal   *domain.ContractProposal `json:"proposal,omitempty"`
	ProtocolID uuid.UUID                `json:"protocol_id,omitempty"`
	Valid      bool                     `json:"valid,omitempty"`
	ChannelID  string                   `json:"channel_id,omitempty"`
	TxHex      string                   `json:"tx_hex,omitempty"`
}

// WsTransport carries contract messages to counterparties over a websocket
// relay. It implements domain.DlcTransport. Delivery is reliable-ordered
// while a connection lives; callers own redelivery across reconnects.
type WsTransport struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	sigSubs map[uuid.UUID]chan *domain.ContractSignature
	txSubs  map[string]chan string
}

func NewWsTransport(url string, logger *zap.Logger) *WsTransport {
	return &WsTransport{
		url:     url,
		logger:  logger,
		sigSubs: make(map[uuid.UUID]chan *domain.ContractSignature),
		txSubs:  make(map[string]chan string),
	}
}

// Run keeps the relay connection alive until ctx is canceled.
func (t *WsTransport) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := t.connectAndRead(ctx); err != nil {
			t.logger.Error("Contract messaging disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (t *WsTransport) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.logger.Info("Contract messaging connected", zap.String("url", t.url))

	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		conn.Close()
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		t.dispatch(&env)
	}
}

func (t *WsTransport) dispatch(env *envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch env.Type {
	case msgSignature:
		if ch, ok := t.sigSubs[env.ProtocolID]; ok {
			select {
			case ch <- &domain.ContractSignature{ProtocolID: env.ProtocolID, Valid: env.Valid}:
			default:
			}
		}
	case msgTxResponse:
		if ch, ok := t.txSubs[env.ChannelID]; ok {
			select {
			case ch <- env.TxHex:
			default:
			}
		}
	default:
		t.logger.Debug("Ignoring message", zap.String("type", env.Type))
	}
}

func (t *WsTransport) send(env *envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("contract messaging not connected")
	}
	return conn.WriteJSON(env)
}

func (t *WsTransport) SendProposal(ctx context.Context, proposal *domain.ContractProposal) error {
	return t.send(&envelope{Type: msgProposal, Proposal: proposal})
}

// AwaitSignature blocks until the counterparty acknowledges the proposal or
// the context deadline expires.
func (t *WsTransport) AwaitSignature(ctx context.Context, protocolID uuid.UUID) (*domain.ContractSignature, error) {
	ch := make(chan *domain.ContractSignature, 1)
	t.mu.Lock()
	t.sigSubs[protocolID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.sigSubs, protocolID)
		t.mu.Unlock()
	}()

	select {
	case sig := <-ch:
		return sig, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *WsTransport) SendFinalize(ctx context.Context, protocolID uuid.UUID) error {
	return t.send(&envelope{Type: msgFinalize, ProtocolID: protocolID})
}

// LatestExecutionTx asks the counterparty channel state for the most recent
// mutually signed execution transaction.
func (t *WsTransport) LatestExecutionTx(ctx context.Context, channelID string) (string, error) {
	ch := make(chan string, 1)
	t.mu.Lock()
	t.txSubs[channelID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.txSubs, channelID)
		t.mu.Unlock()
	}()

	if err := t.send(&envelope{Type: msgTxRequest, ChannelID: channelID}); err != nil {
		return "", err
	}

	select {
	case txHex := <-ch:
		return txHex, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
