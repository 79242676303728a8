package lnd

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"go.uber.org/zap"

	"github.com/vitos/ln_dlc_coordinator/internal/domain"
)

// HtlcHandler decides the fate of one intercepted HTLC.
type HtlcHandler func(ctx context.Context, pkt domain.HtlcPacket) domain.HtlcResolution

// interceptorStream is the slice of the grpc interceptor stream the loop uses.
type interceptorStream interface {
	Recv() (*routerrpc.ForwardHtlcInterceptRequest, error)
	Send(*routerrpc.ForwardHtlcInterceptResponse) error
}

// RunHtlcInterceptor attaches to the node's forwarding pipeline and routes
// every held HTLC through the handler. Blocks until the stream breaks or ctx
// is canceled.
func (c *Client) RunHtlcInterceptor(ctx context.Context, handler HtlcHandler, logger *zap.Logger) error {
	stream, err := c.routerClient.HtlcInterceptor(ctx)
	if err != nil {
		return fmt.Errorf("opening interceptor stream: %w", err)
	}
	logger.Info("HTLC interceptor attached")
	return runInterceptorLoop(ctx, stream, handler, logger)
}

// runInterceptorLoop dispatches each intercepted HTLC on its own goroutine so
// one blocking just-in-time open never stalls HTLCs on other channels. Only
// the response writes are serialized; the handler may hold an HTLC for the
// whole open duration without keeping the loop from reading the next one.
func runInterceptorLoop(ctx context.Context, stream interceptorStream, handler HtlcHandler, logger *zap.Logger) error {
	var sendMu sync.Mutex
	for {
		request, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("interceptor stream recv: %w", err)
		}

		hash, err := lntypes.MakeHash(request.PaymentHash)
		if err != nil {
			logger.Error("Malformed payment hash on intercepted HTLC", zap.Error(err))
			hash = lntypes.Hash{}
		}
		pkt := domain.HtlcPacket{
			IncomingCircuitKey: domain.CircuitKey{
				ChanID: request.IncomingCircuitKey.ChanId,
				HtlcID: request.IncomingCircuitKey.HtlcId,
			},
			PaymentHash:    hash,
			Amount:         btcutil.Amount(request.OutgoingAmountMsat / 1000),
			OutgoingChanID: request.OutgoingRequestedChanId,
		}

		go func(key *routerrpc.CircuitKey, pkt domain.HtlcPacket) {
			resolution := handler(ctx, pkt)

			var action routerrpc.ResolveHoldForwardAction
			switch resolution {
			case domain.ResolutionResume:
				action = routerrpc.ResolveHoldForwardAction_RESUME
			case domain.ResolutionSettle:
				action = routerrpc.ResolveHoldForwardAction_SETTLE
			default:
				action = routerrpc.ResolveHoldForwardAction_FAIL
			}

			sendMu.Lock()
			err := stream.Send(&routerrpc.ForwardHtlcInterceptResponse{
				IncomingCircuitKey: key,
				Action:             action,
			})
			sendMu.Unlock()
			if err != nil {
				// The recv side sees the broken stream and tears down.
				logger.Error("Sending interceptor response", zap.Error(err))
				return
			}
			logger.Debug("HTLC resolved",
				zap.Uint64("outgoing_chan_id", pkt.OutgoingChanID),
				zap.String("action", resolution.String()))
		}(request.IncomingCircuitKey, pkt)
	}
}

// AcceptedHandler is notified when a held payment reaches Accepted.
type AcceptedHandler func(ctx context.Context, rHash lntypes.Hash) error

// WatchInvoice follows one invoice until it reaches a terminal state, calling
// onAccepted when the payment is held. Runs in its own goroutine per invoice.
func (c *Client) WatchInvoice(ctx context.Context, rHash lntypes.Hash, onAccepted AcceptedHandler, logger *zap.Logger) error {
	stream, err := c.invoicesClient.SubscribeSingleInvoice(ctx, &invoicesrpc.SubscribeSingleInvoiceRequest{
		RHash: rHash[:],
	})
	if err != nil {
		return fmt.Errorf("subscribing to invoice %s: %w", rHash, err)
	}

	for {
		invoice, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("invoice stream %s: %w", rHash, err)
		}
		switch invoice.State {
		case lnrpc.Invoice_ACCEPTED:
			if err := onAccepted(ctx, rHash); err != nil {
				logger.Error("Handling accepted invoice",
					zap.String("r_hash", rHash.String()), zap.Error(err))
			}
		case lnrpc.Invoice_SETTLED, lnrpc.Invoice_CANCELED:
			return nil
		}
	}
}
