package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"github.com/vitos/ln_dlc_coordinator/internal/usecase"
	"go.uber.org/zap"
)

type Server struct {
	router      *http.ServeMux
	server      *http.Server
	channels    domain.ChannelRepository
	positions   domain.PositionRepository
	fees        domain.FeeRepository
	interceptor *usecase.PaymentInterceptor
	tracker     *usecase.ProtocolTracker
	gate        *usecase.SettlementGate
	recovery    *usecase.RecoveryHandler
	watch       func(rHash lntypes.Hash)
	logger      *zap.Logger
}

func NewServer(
	port int,
	channels domain.ChannelRepository,
	positions domain.PositionRepository,
	fees domain.FeeRepository,
	interceptor *usecase.PaymentInterceptor,
	tracker *usecase.ProtocolTracker,
	gate *usecase.SettlementGate,
	recovery *usecase.RecoveryHandler,
	watch func(rHash lntypes.Hash),
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:      http.NewServeMux(),
		channels:    channels,
		positions:   positions,
		fees:        fees,
		interceptor: interceptor,
		tracker:     tracker,
		gate:        gate,
		recovery:    recovery,
		watch:       watch,
		logger:      logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Just-in-time intents
	s.router.HandleFunc("POST /api/intents", s.handleRegisterIntent)

	// Channels
	s.router.HandleFunc("GET /api/channels", s.handleListChannels)
	s.router.HandleFunc("GET /api/channels/{id}", s.handleGetChannel)
	s.router.HandleFunc("POST /api/channels/{id}/protocols", s.handleRequestProtocol)

	// Positions
	s.router.HandleFunc("GET /api/positions", s.handleListPositions)
	s.router.HandleFunc("GET /api/positions/history", s.handlePositionHistory)

	// Hold invoices
	s.router.HandleFunc("POST /api/invoices", s.handleCreateInvoice)
	s.router.HandleFunc("GET /api/invoices/{rhash}/stream", s.handleInvoiceStream)

	// Fees
	s.router.HandleFunc("GET /api/fees/routing", s.handleRoutingFees)

	// Recovery
	s.router.HandleFunc("POST /api/recovery/revert", s.handleRevert)

	// Metrics
	s.router.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
