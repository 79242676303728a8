package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			user_channel_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL DEFAULT '',
			counterparty_pubkey TEXT NOT NULL,
			capacity INTEGER NOT NULL,
			balance INTEGER NOT NULL,
			funding_txid TEXT NOT NULL DEFAULT '',
			alias_id INTEGER NOT NULL DEFAULT 0,
			liquidity_tier_id INTEGER NOT NULL DEFAULT 0,
			contract_expiry DATETIME,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_channels_state ON channels(state);`,
		`CREATE TABLE IF NOT EXISTS jit_intents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alias_id INTEGER NOT NULL,
			trader_pubkey TEXT NOT NULL,
			issued_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT 0
		);`,
		// An alias identifies at most one unconsumed intent at a time.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jit_intents_alias
			ON jit_intents(alias_id) WHERE consumed = 0;`,
		`CREATE TABLE IF NOT EXISTS dlc_protocols (
			protocol_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			protocol_type TEXT NOT NULL,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		// At most one non-terminal protocol instance per channel.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_dlc_protocols_active
			ON dlc_protocols(channel_id)
			WHERE state NOT IN ('COMMITTED', 'FAILED', 'ABORTED');`,
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL UNIQUE,
			direction TEXT NOT NULL,
			quantity TEXT NOT NULL,
			trader_leverage TEXT NOT NULL,
			coordinator_leverage TEXT NOT NULL,
			average_entry_price TEXT NOT NULL,
			trader_liquidation_price TEXT NOT NULL,
			coordinator_liquidation_price TEXT NOT NULL,
			trader_margin INTEGER NOT NULL,
			realized_pnl_sats INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			quantity TEXT NOT NULL,
			average_entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			realized_pnl_sats INTEGER NOT NULL,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS funding_fee_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id INTEGER NOT NULL,
			amount_sats INTEGER NOT NULL,
			due_date DATETIME NOT NULL,
			price TEXT NOT NULL,
			funding_rate TEXT NOT NULL,
			paid_date DATETIME,
			UNIQUE(position_id, due_date)
		);`,
		`CREATE TABLE IF NOT EXISTS hodl_invoices (
			r_hash TEXT PRIMARY KEY,
			amount_sats INTEGER NOT NULL,
			preimage TEXT,
			state TEXT NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			resolved_at DATETIME,
			CHECK ((state = 'SETTLED') = (preimage IS NOT NULL))
		);`,
		`CREATE TABLE IF NOT EXISTS processed_orders (
			order_id TEXT PRIMARY KEY,
			processed_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS routing_fee_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fee_msat INTEGER NOT NULL,
			prev_channel_id TEXT NOT NULL DEFAULT '',
			next_channel_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// ChannelRepository implementation

const channelCols = `user_channel_id, channel_id, counterparty_pubkey, capacity, balance,
	funding_txid, alias_id, liquidity_tier_id, contract_expiry, state, created_at, updated_at`

func (s *SQLiteStore) SaveChannel(ctx context.Context, ch *domain.Channel) error {
	query := `INSERT INTO channels (` + channelCols + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(user_channel_id) DO UPDATE SET
			  channel_id=excluded.channel_id,
			  capacity=excluded.capacity,
			  balance=excluded.balance,
			  funding_txid=excluded.funding_txid,
			  alias_id=excluded.alias_id,
			  contract_expiry=excluded.contract_expiry,
			  state=excluded.state,
			  updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		ch.UserChannelID, ch.ChannelID, ch.CounterpartyPubKey, int64(ch.Capacity), int64(ch.Balance),
		ch.FundingTxID, int64(ch.AliasID), ch.LiquidityTierID, nullTime(ch.ContractExpiry), ch.State,
		ch.CreatedAt, ch.UpdatedAt)
	return err
}

func scanChannel(row interface{ Scan(...any) error }) (*domain.Channel, error) {
	var ch domain.Channel
	var capacity, balance, alias int64
	var expiry sql.NullTime
	err := row.Scan(&ch.UserChannelID, &ch.ChannelID, &ch.CounterpartyPubKey, &capacity, &balance,
		&ch.FundingTxID, &alias, &ch.LiquidityTierID, &expiry, &ch.State, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ch.Capacity = btcutil.Amount(capacity)
	ch.Balance = btcutil.Amount(balance)
	ch.AliasID = uint64(alias)
	if expiry.Valid {
		ch.ContractExpiry = expiry.Time
	}
	return &ch, nil
}

func (s *SQLiteStore) GetChannel(ctx context.Context, userChannelID string) (*domain.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE user_channel_id = ?`, userChannelID)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrChannelNotFound
	}
	return ch, err
}

func (s *SQLiteStore) GetChannelByCounterparty(ctx context.Context, pubkey string, states ...domain.ChannelState) (*domain.Channel, error) {
	query := `SELECT ` + channelCols + ` FROM channels WHERE counterparty_pubkey = ?`
	args := []any{pubkey}
	if len(states) > 0 {
		query += ` AND state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, args...)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrChannelNotFound
	}
	return ch, err
}

func (s *SQLiteStore) GetChannelByAlias(ctx context.Context, alias uint64) (*domain.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE alias_id = ? ORDER BY created_at DESC LIMIT 1`,
		int64(alias))
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrChannelNotFound
	}
	return ch, err
}

func (s *SQLiteStore) ListChannels(ctx context.Context, states ...domain.ChannelState) ([]*domain.Channel, error) {
	query := `SELECT ` + channelCols + ` FROM channels`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ProtocolRepository implementation

const protocolCols = `protocol_id, channel_id, protocol_type, state, attempts, failure_reason, created_at, updated_at`

func (s *SQLiteStore) CreateProtocol(ctx context.Context, inst *domain.ProtocolInstance) error {
	query := `INSERT INTO dlc_protocols (` + protocolCols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		inst.ProtocolID.String(), inst.ChannelID, inst.Type, inst.State,
		inst.Attempts, inst.FailureReason, inst.CreatedAt, inst.UpdatedAt)
	if isConstraintErr(err) {
		return domain.ErrProtocolInFlight
	}
	return err
}

func scanProtocol(row interface{ Scan(...any) error }) (*domain.ProtocolInstance, error) {
	var inst domain.ProtocolInstance
	var id string
	err := row.Scan(&id, &inst.ChannelID, &inst.Type, &inst.State,
		&inst.Attempts, &inst.FailureReason, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.ProtocolID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt protocol id %q: %w", id, err)
	}
	return &inst, nil
}

func (s *SQLiteStore) GetProtocol(ctx context.Context, id uuid.UUID) (*domain.ProtocolInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+protocolCols+` FROM dlc_protocols WHERE protocol_id = ?`, id.String())
	return scanProtocol(row)
}

func (s *SQLiteStore) ActiveProtocol(ctx context.Context, channelID string) (*domain.ProtocolInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+protocolCols+` FROM dlc_protocols
		 WHERE channel_id = ? AND state NOT IN ('COMMITTED', 'FAILED', 'ABORTED')`, channelID)
	inst, err := scanProtocol(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inst, err
}

func (s *SQLiteStore) ListNonTerminal(ctx context.Context) ([]*domain.ProtocolInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+protocolCols+` FROM dlc_protocols
		 WHERE state NOT IN ('COMMITTED', 'FAILED', 'ABORTED') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ProtocolInstance
	for rows.Next() {
		inst, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateProtocol(ctx context.Context, inst *domain.ProtocolInstance) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dlc_protocols SET state = ?, attempts = ?, failure_reason = ?, updated_at = ?
		 WHERE protocol_id = ?`,
		inst.State, inst.Attempts, inst.FailureReason, inst.UpdatedAt, inst.ProtocolID.String())
	return err
}

// CommitProtocol applies the whole commit bundle in one transaction: the
// instance becomes COMMITTED together with the channel, position and fee
// mutations it implies. A crash can never leave the instance half-committed.
func (s *SQLiteStore) CommitProtocol(ctx context.Context, commit *domain.ProtocolCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inst := commit.Instance
	if _, err := tx.ExecContext(ctx,
		`UPDATE dlc_protocols SET state = ?, attempts = ?, updated_at = ? WHERE protocol_id = ?`,
		domain.ProtocolStateCommitted, inst.Attempts, inst.UpdatedAt, inst.ProtocolID.String()); err != nil {
		return err
	}

	if commit.Channel != nil {
		ch := commit.Channel
		if _, err := tx.ExecContext(ctx,
			`UPDATE channels SET channel_id = ?, capacity = ?, balance = ?, funding_txid = ?,
			 alias_id = ?, contract_expiry = ?, state = ?, updated_at = ?
			 WHERE user_channel_id = ?`,
			ch.ChannelID, int64(ch.Capacity), int64(ch.Balance), ch.FundingTxID,
			int64(ch.AliasID), nullTime(ch.ContractExpiry), ch.State, ch.UpdatedAt,
			ch.UserChannelID); err != nil {
			return err
		}
	}

	if commit.ClearPos {
		if err := archivePosition(ctx, tx, commit); err != nil {
			return err
		}
	} else if commit.Position != nil {
		if err := upsertPosition(ctx, tx, commit.Position); err != nil {
			return err
		}
	}

	if len(commit.PaidFeeIDs) > 0 {
		query := `UPDATE funding_fee_events SET paid_date = ? WHERE id IN (` +
			placeholders(len(commit.PaidFeeIDs)) + `)`
		args := []any{commit.PaidFeeDate}
		for _, id := range commit.PaidFeeIDs {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func upsertPosition(ctx context.Context, tx *sql.Tx, p *domain.Position) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO positions (channel_id, direction, quantity, trader_leverage, coordinator_leverage,
			average_entry_price, trader_liquidation_price, coordinator_liquidation_price,
			trader_margin, realized_pnl_sats, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		 direction=excluded.direction,
		 quantity=excluded.quantity,
		 trader_leverage=excluded.trader_leverage,
		 coordinator_leverage=excluded.coordinator_leverage,
		 average_entry_price=excluded.average_entry_price,
		 trader_liquidation_price=excluded.trader_liquidation_price,
		 coordinator_liquidation_price=excluded.coordinator_liquidation_price,
		 trader_margin=excluded.trader_margin,
		 realized_pnl_sats=excluded.realized_pnl_sats,
		 state=excluded.state,
		 updated_at=excluded.updated_at`,
		p.ChannelID, p.Direction, p.Quantity.String(), p.TraderLeverage.String(),
		p.CoordinatorLeverage.String(), p.AverageEntryPrice.String(),
		p.TraderLiquidationPrice.String(), p.CoordinatorLiquidationPrice.String(),
		int64(p.TraderMargin), p.RealizedPnLSats, p.State, p.CreatedAt, p.UpdatedAt)
	return err
}

func archivePosition(ctx context.Context, tx *sql.Tx, commit *domain.ProtocolCommit) error {
	channelID := commit.Instance.ChannelID
	exitPrice := "0"
	realized := int64(0)
	if commit.Position != nil {
		exitPrice = commit.Position.AverageEntryPrice.String()
		realized = commit.Position.RealizedPnLSats
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO position_history (channel_id, direction, quantity, average_entry_price,
			exit_price, realized_pnl_sats, closed_at)
		 SELECT channel_id, direction, quantity, average_entry_price, ?, ?, ?
		 FROM positions WHERE channel_id = ?`,
		exitPrice, realized, commit.Instance.UpdatedAt, channelID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE channel_id = ?`, channelID)
	return err
}

// PositionRepository implementation

const positionCols = `id, channel_id, direction, quantity, trader_leverage, coordinator_leverage,
	average_entry_price, trader_liquidation_price, coordinator_liquidation_price,
	trader_margin, realized_pnl_sats, state, created_at, updated_at`

func scanPosition(row interface{ Scan(...any) error }) (*domain.Position, error) {
	var p domain.Position
	var qty, tLev, cLev, entry, tLiq, cLiq string
	var margin int64
	err := row.Scan(&p.ID, &p.ChannelID, &p.Direction, &qty, &tLev, &cLev,
		&entry, &tLiq, &cLiq, &margin, &p.RealizedPnLSats, &p.State, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.Quantity, qty}, {&p.TraderLeverage, tLev}, {&p.CoordinatorLeverage, cLev},
		{&p.AverageEntryPrice, entry}, {&p.TraderLiquidationPrice, tLiq},
		{&p.CoordinatorLiquidationPrice, cLiq},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("corrupt decimal %q: %w", f.src, err)
		}
		*f.dst = d
	}
	p.TraderMargin = btcutil.Amount(margin)
	return &p, nil
}

func (s *SQLiteStore) GetOpenPosition(ctx context.Context, channelID string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE channel_id = ?`, channelID)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPositionNotFound
	}
	return p, err
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionCols+` FROM positions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListClosedPositions(ctx context.Context, limit int) ([]*domain.ClosedPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, direction, quantity, average_entry_price, exit_price,
			realized_pnl_sats, closed_at
		 FROM position_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ClosedPosition
	for rows.Next() {
		var c domain.ClosedPosition
		var qty, entry, exit string
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.Direction, &qty, &entry, &exit,
			&c.RealizedPnLSats, &c.ClosedAt); err != nil {
			return nil, err
		}
		if c.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if c.AverageEntry, err = decimal.NewFromString(entry); err != nil {
			return nil, err
		}
		if c.ExitPrice, err = decimal.NewFromString(exit); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// InvoiceRepository implementation

func (s *SQLiteStore) SaveInvoice(ctx context.Context, inv *domain.HodlInvoice) error {
	var preimage any
	if inv.Preimage != nil {
		preimage = inv.Preimage.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hodl_invoices (r_hash, amount_sats, preimage, state, order_id, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.RHash.String(), int64(inv.AmountSats), preimage, inv.State, inv.OrderID,
		inv.CreatedAt, nullTime(inv.ResolvedAt))
	return err
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, rHash lntypes.Hash) (*domain.HodlInvoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT r_hash, amount_sats, preimage, state, order_id, created_at, resolved_at
		 FROM hodl_invoices WHERE r_hash = ?`, rHash.String())

	var inv domain.HodlInvoice
	var hash string
	var amount int64
	var preimage sql.NullString
	var resolved sql.NullTime
	err := row.Scan(&hash, &amount, &preimage, &inv.State, &inv.OrderID, &inv.CreatedAt, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	if inv.RHash, err = lntypes.MakeHashFromStr(hash); err != nil {
		return nil, fmt.Errorf("corrupt r_hash %q: %w", hash, err)
	}
	inv.AmountSats = btcutil.Amount(amount)
	if preimage.Valid {
		p, err := lntypes.MakePreimageFromStr(preimage.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt preimage: %w", err)
		}
		inv.Preimage = &p
	}
	if resolved.Valid {
		inv.ResolvedAt = resolved.Time
	}
	return &inv, nil
}

func (s *SQLiteStore) MarkInvoiceAccepted(ctx context.Context, rHash lntypes.Hash) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hodl_invoices SET state = ? WHERE r_hash = ? AND state = ?`,
		domain.InvoiceStateAccepted, rHash.String(), domain.InvoiceStateOpen)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrInvoiceStateConflict
	}
	return nil
}

func (s *SQLiteStore) ResolveInvoice(ctx context.Context, rHash lntypes.Hash, state domain.InvoiceState, preimage *lntypes.Preimage) error {
	if (state == domain.InvoiceStateSettled) != (preimage != nil) {
		return domain.ErrInvoiceStateConflict
	}
	if !state.IsTerminal() {
		return domain.ErrInvoiceStateConflict
	}
	var pre any
	if preimage != nil {
		pre = preimage.String()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE hodl_invoices SET state = ?, preimage = ?, resolved_at = ?
		 WHERE r_hash = ? AND state IN (?, ?)`,
		state, pre, time.Now().UTC(), rHash.String(),
		domain.InvoiceStateOpen, domain.InvoiceStateAccepted)
	if err != nil {
		if isConstraintErr(err) {
			return domain.ErrInvoiceStateConflict
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrInvoiceStateConflict
	}
	return nil
}

func (s *SQLiteStore) ListUnresolvedInvoices(ctx context.Context) ([]*domain.HodlInvoice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r_hash, amount_sats, preimage, state, order_id, created_at, resolved_at
		 FROM hodl_invoices WHERE state IN (?, ?) ORDER BY created_at`,
		domain.InvoiceStateOpen, domain.InvoiceStateAccepted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.HodlInvoice
	for rows.Next() {
		var inv domain.HodlInvoice
		var hash string
		var amount int64
		var preimage sql.NullString
		var resolved sql.NullTime
		if err := rows.Scan(&hash, &amount, &preimage, &inv.State, &inv.OrderID, &inv.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		if inv.RHash, err = lntypes.MakeHashFromStr(hash); err != nil {
			return nil, fmt.Errorf("corrupt r_hash %q: %w", hash, err)
		}
		inv.AmountSats = btcutil.Amount(amount)
		if resolved.Valid {
			inv.ResolvedAt = resolved.Time
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}

// FeeRepository implementation

func (s *SQLiteStore) InsertFundingFeeEvent(ctx context.Context, ev *domain.FundingFeeEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO funding_fee_events (position_id, amount_sats, due_date, price, funding_rate)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.PositionID, ev.AmountSats, ev.DueDate, ev.Price.String(), ev.FundingRate.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListUnpaidFundingFees(ctx context.Context, positionID int64) ([]*domain.FundingFeeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, position_id, amount_sats, due_date, price, funding_rate, paid_date
		 FROM funding_fee_events WHERE position_id = ? AND paid_date IS NULL ORDER BY due_date`,
		positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.FundingFeeEvent
	for rows.Next() {
		var ev domain.FundingFeeEvent
		var price, rate string
		var paid sql.NullTime
		if err := rows.Scan(&ev.ID, &ev.PositionID, &ev.AmountSats, &ev.DueDate, &price, &rate, &paid); err != nil {
			return nil, err
		}
		if ev.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if ev.FundingRate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		if paid.Valid {
			t := paid.Time
			ev.PaidDate = &t
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertRoutingFeeEvent(ctx context.Context, ev *domain.RoutingFeeEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_fee_events (fee_msat, prev_channel_id, next_channel_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		ev.FeeMsat, ev.PrevChannelID, ev.NextChannelID, ev.CreatedAt)
	return err
}

func (s *SQLiteStore) ListRoutingFeeEvents(ctx context.Context, limit int) ([]*domain.RoutingFeeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fee_msat, prev_channel_id, next_channel_id, created_at
		 FROM routing_fee_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RoutingFeeEvent
	for rows.Next() {
		var ev domain.RoutingFeeEvent
		if err := rows.Scan(&ev.ID, &ev.FeeMsat, &ev.PrevChannelID, &ev.NextChannelID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// OrderLog implementation

func (s *SQLiteStore) RecordOrder(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_orders (order_id, processed_at) VALUES (?, ?)`,
		orderID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IntentRepository implementation

func (s *SQLiteStore) CreateIntent(ctx context.Context, intent *domain.JitIntent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jit_intents (alias_id, trader_pubkey, issued_at, expires_at, consumed)
		 VALUES (?, ?, ?, ?, 0)`,
		int64(intent.AliasID), intent.TraderPubKey, intent.IssuedAt, intent.ExpiresAt)
	if isConstraintErr(err) {
		return domain.ErrAliasTaken
	}
	return err
}

func (s *SQLiteStore) GetIntentByAlias(ctx context.Context, alias uint64) (*domain.JitIntent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT alias_id, trader_pubkey, issued_at, expires_at, consumed
		 FROM jit_intents WHERE alias_id = ? AND consumed = 0`, int64(alias))

	var intent domain.JitIntent
	var aliasID int64
	err := row.Scan(&aliasID, &intent.TraderPubKey, &intent.IssuedAt, &intent.ExpiresAt, &intent.Consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	intent.AliasID = uint64(aliasID)
	return &intent, nil
}

func (s *SQLiteStore) ConsumeIntent(ctx context.Context, alias uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jit_intents SET consumed = 1 WHERE alias_id = ? AND consumed = 0`, int64(alias))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrIntentNotFound
	}
	return nil
}

func (s *SQLiteStore) ReleaseExpiredIntents(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jit_intents SET consumed = 1 WHERE consumed = 0 AND expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// helpers

func placeholders(n int) string {
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
