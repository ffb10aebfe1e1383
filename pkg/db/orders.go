package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bracket-core/pkg/exchanges/common"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// bracketWorkflows are the workflows the background engines manage.
var bracketWorkflows = []Workflow{WorkflowEquityIntraday, WorkflowOption}

// priceRefreshStatuses mark rows whose instrument needs a live price.
// TRADED is terminal for exit legs, so it only counts on the entry row.
var priceRefreshStatuses = []common.OrderStatus{
	common.StatusFilled, common.StatusOpen, common.StatusPending, common.StatusTriggerPending,
}

// OrderStore is the order ledger.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore creates a new OrderStore instance.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

const orderColumns = `
	id, user_id, parent_order_id, workflow, symbol, COALESCE(trading_symbol, ''),
	security_id, exchange_segment, transaction_type, quantity, order_type, product_type,
	role, stoploss_percent, target_percent, trailing_percent,
	entry_price, sl_price, target_price, trigger_price, tick_size,
	highest_ltp, lowest_ltp, COALESCE(broker_order_id, ''), order_status, COALESCE(remark, ''),
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s rowScanner) (*Order, error) {
	var (
		o      Order
		parent sql.NullInt64
	)
	err := s.Scan(&o.ID, &o.UserID, &parent, &o.Workflow, &o.Symbol, &o.TradingSymbol,
		&o.SecurityID, &o.Segment, &o.Side, &o.Quantity, &o.OrderType, &o.ProductType,
		&o.Role, &o.StopLossPercent, &o.TargetPercent, &o.TrailingPercent,
		&o.EntryPrice, &o.StopLossPrice, &o.TargetPrice, &o.TriggerPrice, &o.TickSize,
		&o.HighestLTP, &o.LowestLTP, &o.BrokerOrderID, &o.Status, &o.Remark,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.ParentID = parent.Int64
	return &o, nil
}

func (s *OrderStore) queryOrders(ctx context.Context, query string, args ...interface{}) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func nullParent(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func placeholders[T ~string](vals []T) (string, []interface{}) {
	marks := make([]string, len(vals))
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		marks[i] = "?"
		args[i] = string(v)
	}
	return strings.Join(marks, ", "), args
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertOrder(ctx context.Context, ex execer, o *Order) error {
	if o.UserID == 0 {
		return ErrUserIDRequired
	}
	now := time.Now().UTC()
	res, err := ex.ExecContext(ctx, `
		INSERT INTO orders (
			user_id, parent_order_id, workflow, symbol, trading_symbol,
			security_id, exchange_segment, transaction_type, quantity, order_type, product_type,
			role, stoploss_percent, target_percent, trailing_percent,
			entry_price, sl_price, target_price, trigger_price, tick_size,
			highest_ltp, lowest_ltp, broker_order_id, order_status, remark,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.UserID, nullParent(o.ParentID), string(o.Workflow), o.Symbol, o.TradingSymbol,
		o.SecurityID, o.Segment, o.Side, o.Quantity, o.OrderType, o.ProductType,
		string(o.Role), o.StopLossPercent, o.TargetPercent, o.TrailingPercent,
		o.EntryPrice, o.StopLossPrice, o.TargetPrice, o.TriggerPrice, o.TickSize,
		o.HighestLTP, o.LowestLTP, o.BrokerOrderID, o.Status, o.Remark,
		now, now)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert order id: %w", err)
	}
	o.ID = id
	o.CreatedAt = now
	o.UpdatedAt = now
	return nil
}

// Create inserts a single row and sets its id and timestamps.
func (s *OrderStore) Create(ctx context.Context, o *Order) error {
	return insertOrder(ctx, s.db, o)
}

// CreateBracket inserts an ENTRY and its two children atomically.
// Children get the entry's id as parent.
func (s *OrderStore) CreateBracket(ctx context.Context, entry, stopLoss, target *Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertOrder(ctx, tx, entry); err != nil {
		return err
	}
	for _, child := range []*Order{stopLoss, target} {
		child.ParentID = entry.ID
		if err := insertOrder(ctx, tx, child); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Update writes every mutable field of o and stamps updated_at.
func (s *OrderStore) Update(ctx context.Context, o *Order) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			trading_symbol = ?, security_id = ?, exchange_segment = ?, quantity = ?,
			stoploss_percent = ?, target_percent = ?, trailing_percent = ?,
			entry_price = ?, sl_price = ?, target_price = ?, trigger_price = ?, tick_size = ?,
			highest_ltp = ?, lowest_ltp = ?, broker_order_id = ?, order_status = ?, remark = ?,
			updated_at = ?
		WHERE id = ?
	`, o.TradingSymbol, o.SecurityID, o.Segment, o.Quantity,
		o.StopLossPercent, o.TargetPercent, o.TrailingPercent,
		o.EntryPrice, o.StopLossPrice, o.TargetPrice, o.TriggerPrice, o.TickSize,
		o.HighestLTP, o.LowestLTP, o.BrokerOrderID, o.Status, o.Remark,
		now, o.ID)
	if err != nil {
		return fmt.Errorf("update order %d: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	o.UpdatedAt = now
	return nil
}

// Get returns a row by id.
func (s *OrderStore) Get(ctx context.Context, id int64) (*Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order %d: %w", id, err)
	}
	return o, nil
}

// ListByUser returns a user's rows, newest first.
func (s *OrderStore) ListByUser(ctx context.Context, userID int64, limit int) ([]Order, error) {
	if userID == 0 {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
}

// FindByParentAndRole returns every child of parentID with the role, oldest first.
func (s *OrderStore) FindByParentAndRole(ctx context.Context, parentID int64, role Role) ([]Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE parent_order_id = ? AND role = ?
		ORDER BY id ASC
	`, parentID, string(role))
}

// FindLeg returns the newest child of parentID with the role whose status is one of statuses.
func (s *OrderStore) FindLeg(ctx context.Context, parentID int64, role Role, statuses []common.OrderStatus) (*Order, error) {
	marks, args := placeholders(statuses)
	args = append([]interface{}{parentID, string(role)}, args...)
	o, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE parent_order_id = ? AND role = ? AND order_status IN (`+marks+`)
		ORDER BY id DESC LIMIT 1
	`, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query leg: %w", err)
	}
	return o, nil
}

// FindActiveLeg returns the working child of parentID with the role.
func (s *OrderStore) FindActiveLeg(ctx context.Context, parentID int64, role Role) (*Order, error) {
	return s.FindLeg(ctx, parentID, role, common.ActiveStatuses())
}

// FindFilledLeg returns the filled child of parentID with the role.
func (s *OrderStore) FindFilledLeg(ctx context.Context, parentID int64, role Role) (*Order, error) {
	return s.FindLeg(ctx, parentID, role, common.FilledStatuses())
}

// FindActiveBrackets returns the ENTRY rows the OCO and trailing engines scan:
// role ENTRY, a managed workflow, status FILLED/TRADED/COMPLETED, and at least
// one STOPLOSS or TARGET child still working at the broker.
func (s *OrderStore) FindActiveBrackets(ctx context.Context) ([]Order, error) {
	wfMarks, wfArgs := placeholders(bracketWorkflows)
	entryMarks, entryArgs := placeholders([]common.OrderStatus{common.StatusFilled, common.StatusTraded, common.StatusCompleted})
	childMarks, childArgs := placeholders(common.ActiveStatuses())

	args := append([]interface{}{string(RoleEntry)}, wfArgs...)
	args = append(args, entryArgs...)
	args = append(args, string(RoleStopLoss), string(RoleTarget))
	args = append(args, childArgs...)

	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders e
		WHERE e.role = ?
		  AND e.workflow IN (`+wfMarks+`)
		  AND e.order_status IN (`+entryMarks+`)
		  AND EXISTS (
			SELECT 1 FROM orders c
			WHERE c.parent_order_id = e.id
			  AND c.role IN (?, ?)
			  AND c.order_status IN (`+childMarks+`)
		  )
		ORDER BY e.id ASC
	`, args...)
}

// FindInTransit returns rows sent to the broker that have not reached a terminal state.
func (s *OrderStore) FindInTransit(ctx context.Context) ([]Order, error) {
	marks, args := placeholders(common.ActiveStatuses())
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE order_status IN (`+marks+`)
		  AND broker_order_id IS NOT NULL AND broker_order_id != ''
		ORDER BY user_id ASC, id ASC
	`, args...)
}

// PriceRefreshInstruments returns the distinct instruments of rows that need live prices.
func (s *OrderStore) PriceRefreshInstruments(ctx context.Context) (common.InstrumentSet, error) {
	marks, args := placeholders(priceRefreshStatuses)
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT exchange_segment, security_id FROM orders
		WHERE order_status IN (`+marks+`)
		   OR (role = ? AND order_status = ?)
	`, append(args, string(RoleEntry), string(common.StatusTraded))...)
	if err != nil {
		return nil, fmt.Errorf("query refresh instruments: %w", err)
	}
	defer rows.Close()

	set := common.InstrumentSet{}
	for rows.Next() {
		var seg, id string
		if err := rows.Scan(&seg, &id); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		set.Add(common.Segment(seg), id)
	}
	return set, rows.Err()
}
