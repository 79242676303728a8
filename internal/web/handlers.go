package web

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleRegisterIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TraderPubKey string `json:"trader_pubkey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TraderPubKey == "" {
		s.writeError(w, http.StatusBadRequest, "trader_pubkey is required")
		return
	}

	alias, err := s.interceptor.RegisterIntent(r.Context(), req.TraderPubKey)
	if err != nil {
		s.logger.Error("Failed to register intent", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to register intent")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{
		"alias_id": strconv.FormatUint(alias, 10),
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.channels.ListChannels(r.Context())
	if err != nil {
		s.logger.Error("Failed to list channels", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to list channels")
		return
	}
	s.writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.channels.GetChannel(r.Context(), r.PathValue("id"))
	if errors.Is(err, domain.ErrChannelNotFound) {
		s.writeError(w, http.StatusNotFound, "Channel not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load channel", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to load channel")
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleRequestProtocol(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	var req struct {
		Type            string          `json:"type"`
		SettlementPrice decimal.Decimal `json:"settlement_price"`
		FundAmountSats  int64           `json:"fund_amount_sats"`
		NewExpiry       *time.Time      `json:"new_expiry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	params := domain.TransitionParams{
		SettlementPrice: req.SettlementPrice,
		FundAmount:      btcutil.Amount(req.FundAmountSats),
	}
	if req.NewExpiry != nil {
		params.NewExpiry = *req.NewExpiry
	}

	protocolID, err := s.tracker.Request(r.Context(), channelID, domain.ProtocolType(req.Type), params)
	switch {
	case errors.Is(err, domain.ErrProtocolInFlight):
		s.writeError(w, http.StatusConflict, "Another protocol is in flight on this channel")
		return
	case errors.Is(err, domain.ErrIllegalTransition):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, domain.ErrChannelNotFound):
		s.writeError(w, http.StatusNotFound, "Channel not found")
		return
	case err != nil:
		s.logger.Error("Failed to request protocol",
			zap.String("channel_id", channelID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to request protocol")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"protocol_id": protocolID.String(),
	})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.positions.ListOpenPositions(r.Context())
	if err != nil {
		s.logger.Error("Failed to list positions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to list positions")
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handlePositionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	closed, err := s.positions.ListClosedPositions(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list closed positions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to list closed positions")
		return
	}
	s.writeJSON(w, http.StatusOK, closed)
}

func (s *Server) handleRoutingFees(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.fees.ListRoutingFeeEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list routing fees", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to list routing fees")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountSats int64  `json:"amount_sats"`
		OrderID    string `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AmountSats <= 0 {
		s.writeError(w, http.StatusBadRequest, "amount_sats must be positive")
		return
	}

	var preimage lntypes.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to draw preimage")
		return
	}

	rHash, payReq, err := s.gate.Hold(r.Context(), preimage, btcutil.Amount(req.AmountSats), req.OrderID)
	if err != nil {
		s.logger.Error("Failed to create hold invoice", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to create hold invoice")
		return
	}
	if s.watch != nil {
		s.watch(rHash)
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{
		"r_hash":          rHash.String(),
		"payment_request": payReq,
	})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID        string `json:"channel_id"`
		TraderAmountSats int64  `json:"trader_amount_sats"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		s.writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	if req.TraderAmountSats < 0 {
		s.writeError(w, http.StatusBadRequest, "trader_amount_sats must not be negative")
		return
	}

	inst, err := s.recovery.AcceptRevert(r.Context(), req.ChannelID, btcutil.Amount(req.TraderAmountSats))
	switch {
	case errors.Is(err, domain.ErrChannelNotFound):
		s.writeError(w, http.StatusNotFound, "Channel not found")
		return
	case errors.Is(err, domain.ErrRevertAmountMismatch):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, domain.ErrProtocolInFlight):
		s.writeError(w, http.StatusConflict, "Another protocol is in flight on this channel")
		return
	case err != nil:
		s.logger.Error("Failed to commit revert",
			zap.String("channel_id", req.ChannelID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to commit revert")
		return
	}

	s.writeJSON(w, http.StatusOK, inst)
}
