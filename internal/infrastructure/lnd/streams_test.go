package lnd

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"go.uber.org/zap"
)

type fakeInterceptorStream struct {
	requests  chan *routerrpc.ForwardHtlcInterceptRequest
	responses chan *routerrpc.ForwardHtlcInterceptResponse
}

func (f *fakeInterceptorStream) Recv() (*routerrpc.ForwardHtlcInterceptRequest, error) {
	req, ok := <-f.requests
	if !ok {
		return nil, io.EOF
	}
	return req, nil
}

func (f *fakeInterceptorStream) Send(resp *routerrpc.ForwardHtlcInterceptResponse) error {
	f.responses <- resp
	return nil
}

func interceptRequest(htlcID, outgoingChan uint64) *routerrpc.ForwardHtlcInterceptRequest {
	return &routerrpc.ForwardHtlcInterceptRequest{
		IncomingCircuitKey:      &routerrpc.CircuitKey{ChanId: 42, HtlcId: htlcID},
		PaymentHash:             bytes.Repeat([]byte{1}, 32),
		OutgoingAmountMsat:      50_000_000,
		OutgoingRequestedChanId: outgoingChan,
	}
}

func TestInterceptorLoopHeldHtlcDoesNotStallOthers(t *testing.T) {
	stream := &fakeInterceptorStream{
		requests:  make(chan *routerrpc.ForwardHtlcInterceptRequest, 2),
		responses: make(chan *routerrpc.ForwardHtlcInterceptResponse, 2),
	}
	held := make(chan struct{})
	handler := func(ctx context.Context, pkt domain.HtlcPacket) domain.HtlcResolution {
		if pkt.OutgoingChanID == 1 {
			<-held
			return domain.ResolutionResume
		}
		return domain.ResolutionFail
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- runInterceptorLoop(context.Background(), stream, handler, zap.NewNop())
	}()

	// The first HTLC is held as a just-in-time open would hold it; the
	// second, for an unrelated channel, must still resolve.
	stream.requests <- interceptRequest(1, 1)
	stream.requests <- interceptRequest(2, 2)

	select {
	case resp := <-stream.responses:
		if resp.IncomingCircuitKey.HtlcId != 2 {
			t.Fatalf("expected the unrelated HTLC to resolve first, got htlc %d", resp.IncomingCircuitKey.HtlcId)
		}
		if resp.Action != routerrpc.ResolveHoldForwardAction_FAIL {
			t.Fatalf("expected FAIL for htlc 2, got %v", resp.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("a held HTLC stalled an unrelated one")
	}

	close(held)
	select {
	case resp := <-stream.responses:
		if resp.IncomingCircuitKey.HtlcId != 1 {
			t.Fatalf("expected the held HTLC to resolve, got htlc %d", resp.IncomingCircuitKey.HtlcId)
		}
		if resp.Action != routerrpc.ResolveHoldForwardAction_RESUME {
			t.Fatalf("expected RESUME for htlc 1, got %v", resp.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("held HTLC never resolved")
	}

	close(stream.requests)
	if err := <-loopDone; err == nil {
		t.Fatal("a broken stream must surface from the loop")
	}
}

func TestInterceptorLoopResolvesManyConcurrently(t *testing.T) {
	const n = 16
	stream := &fakeInterceptorStream{
		requests:  make(chan *routerrpc.ForwardHtlcInterceptRequest, n),
		responses: make(chan *routerrpc.ForwardHtlcInterceptResponse, n),
	}
	release := make(chan struct{})
	handler := func(ctx context.Context, pkt domain.HtlcPacket) domain.HtlcResolution {
		<-release
		return domain.ResolutionResume
	}

	go runInterceptorLoop(context.Background(), stream, handler, zap.NewNop())

	for i := uint64(0); i < n; i++ {
		stream.requests <- interceptRequest(i, 100+i)
	}
	// All handlers must be in flight at once before any is released.
	time.Sleep(20 * time.Millisecond)
	close(release)

	seen := make(map[uint64]struct{})
	for i := 0; i < n; i++ {
		select {
		case resp := <-stream.responses:
			seen[resp.IncomingCircuitKey.HtlcId] = struct{}{}
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d HTLCs resolved", len(seen), n)
		}
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct resolutions, got %d", n, len(seen))
	}
	close(stream.requests)
}
