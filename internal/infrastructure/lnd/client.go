package lnd

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/chainrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

// Config holds the node connection settings.
type Config struct {
	Host         string `yaml:"host"`
	TLSCertPath  string `yaml:"tls_cert_path"`
	MacaroonPath string `yaml:"macaroon_path"`
	Network      string `yaml:"network"`
}

// Client wraps the node's grpc services. It implements domain.LightningNode
// and feeds the interceptor and invoice subscriptions.
type Client struct {
	lnClient       lnrpc.LightningClient
	routerClient   routerrpc.RouterClient
	invoicesClient invoicesrpc.InvoicesClient
	walletClient   walletrpc.WalletKitClient
	chainClient    chainrpc.ChainNotifierClient
	conn           *grpc.ClientConn
}

// NewClient dials the node with TLS and macaroon credentials.
func NewClient(cfg Config) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("loading TLS cert: %w", err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("reading macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("unmarshaling macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("creating macaroon credential: %w", err)
	}

	conn, err := grpc.Dial(cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing node: %w", err)
	}

	return &Client{
		lnClient:       lnrpc.NewLightningClient(conn),
		routerClient:   routerrpc.NewRouterClient(conn),
		invoicesClient: invoicesrpc.NewInvoicesClient(conn),
		walletClient:   walletrpc.NewWalletKitClient(conn),
		chainClient:    chainrpc.NewChainNotifierClient(conn),
		conn:           conn,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Pubkey returns the node's identity key.
func (c *Client) Pubkey(ctx context.Context) (string, error) {
	resp, err := c.lnClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return "", err
	}
	return resp.IdentityPubkey, nil
}

// AddHoldInvoice registers a hodl invoice for the given hash. The returned
// string is the bolt11 payment request the trader pays.
func (c *Client) AddHoldInvoice(ctx context.Context, rHash lntypes.Hash, amount btcutil.Amount, memo string) (string, error) {
	resp, err := c.invoicesClient.AddHoldInvoice(ctx, &invoicesrpc.AddHoldInvoiceRequest{
		Memo:       memo,
		Hash:       rHash[:],
		Value:      int64(amount),
		Expiry:     3600,
		CltvExpiry: 40,
	})
	if err != nil {
		return "", fmt.Errorf("adding hold invoice: %w", err)
	}
	return resp.PaymentRequest, nil
}

// SettleInvoice releases the preimage, finalizing the held payment.
func (c *Client) SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error {
	_, err := c.invoicesClient.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{
		Preimage: preimage[:],
	})
	if err != nil {
		return fmt.Errorf("settling invoice: %w", err)
	}
	return nil
}

// CancelInvoice fails the held payment back to the payer.
func (c *Client) CancelInvoice(ctx context.Context, rHash lntypes.Hash) error {
	_, err := c.invoicesClient.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{
		PaymentHash: rHash[:],
	})
	if err != nil {
		return fmt.Errorf("canceling invoice: %w", err)
	}
	return nil
}

// decodeTx parses a hex-encoded transaction. The txid must come from the
// decoded transaction: hashing the raw bytes of a segwit transaction yields
// the wtxid, which never confirms.
func decodeTx(txHex string) (*wire.MsgTx, error) {
	txBytes, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("invalid tx hex: %w", err)
	}
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("decoding transaction: %w", err)
	}
	return &msgTx, nil
}

// BroadcastTransaction publishes a raw transaction and returns its txid.
func (c *Client) BroadcastTransaction(ctx context.Context, txHex string) (string, error) {
	msgTx, err := decodeTx(txHex)
	if err != nil {
		return "", err
	}
	txBytes, _ := hex.DecodeString(txHex)
	resp, err := c.walletClient.PublishTransaction(ctx, &walletrpc.Transaction{
		TxHex: txBytes,
	})
	if err != nil {
		return "", fmt.Errorf("publishing transaction: %w", err)
	}
	if resp.PublishError != "" {
		return "", fmt.Errorf("publishing transaction: %s", resp.PublishError)
	}
	return msgTx.TxHash().String(), nil
}

// ForwardingEvents returns forwarding fees earned since the given time.
func (c *Client) ForwardingEvents(ctx context.Context, since time.Time) ([]*domain.RoutingFeeEvent, error) {
	resp, err := c.lnClient.ForwardingHistory(ctx, &lnrpc.ForwardingHistoryRequest{
		StartTime:    uint64(since.Unix()),
		NumMaxEvents: 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching forwarding history: %w", err)
	}

	events := make([]*domain.RoutingFeeEvent, 0, len(resp.ForwardingEvents))
	for _, fw := range resp.ForwardingEvents {
		events = append(events, &domain.RoutingFeeEvent{
			FeeMsat:       int64(fw.FeeMsat),
			PrevChannelID: strconv.FormatUint(fw.ChanIdIn, 10),
			NextChannelID: strconv.FormatUint(fw.ChanIdOut, 10),
			CreatedAt:     time.Unix(0, int64(fw.TimestampNs)).UTC(),
		})
	}
	return events, nil
}

// WaitForConfirmation blocks until the transaction reaches numConfs or ctx
// expires. Reorgs restart the wait.
func (c *Client) WaitForConfirmation(ctx context.Context, txid string, numConfs uint32) error {
	hashBytes, err := confTxidBytes(txid)
	if err != nil {
		return err
	}

	stream, err := c.chainClient.RegisterConfirmationsNtfn(ctx, &chainrpc.ConfRequest{
		Txid:     hashBytes,
		NumConfs: numConfs,
	})
	if err != nil {
		return fmt.Errorf("registering confirmation notification: %w", err)
	}

	for {
		update, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("confirmation stream: %w", err)
		}
		switch update.Event.(type) {
		case *chainrpc.ConfEvent_Conf:
			return nil
		case *chainrpc.ConfEvent_Reorg:
			continue
		}
	}
}

// confTxidBytes converts a display-order txid into the internal byte order
// the chain notifier expects. Decoding the hex directly would register a
// watch on the reversed hash.
func confTxidBytes(txid string) ([]byte, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid: %w", err)
	}
	return hash[:], nil
}
