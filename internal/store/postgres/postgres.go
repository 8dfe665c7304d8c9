package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables and indexes. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) UpsertProduct(ctx context.Context, p domain.PriceSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (product_ref, unit_price, tax_rate_percent, active, updated_at)
		VALUES ($1,$2,$3,true,now())
		ON CONFLICT (product_ref)
		DO UPDATE SET unit_price = EXCLUDED.unit_price, tax_rate_percent = EXCLUDED.tax_rate_percent, active = true, updated_at = now()
	`, p.ProductRef, p.UnitPrice, p.TaxRatePercent)
	return err
}

func (s *Store) SetStock(ctx context.Context, storeRef string, productRef string, qty int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_stocks (store_id, product_ref, qty, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (store_id, product_ref)
		DO UPDATE SET qty = EXCLUDED.qty, updated_at = now()
	`, storeRef, productRef, qty)
	return err
}

func (s *Store) PriceSnapshot(ctx context.Context, productRef string) (domain.PriceSnapshot, error) {
	p := domain.PriceSnapshot{ProductRef: productRef}
	err := s.db.QueryRowContext(ctx, `
		SELECT unit_price, tax_rate_percent
		FROM products
		WHERE product_ref = $1 AND active = true
	`, productRef).Scan(&p.UnitPrice, &p.TaxRatePercent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PriceSnapshot{}, domain.NotFoundf("product %s", productRef)
		}
		return domain.PriceSnapshot{}, err
	}
	return p, nil
}

func (s *Store) StockLevel(ctx context.Context, storeRef string, productRef string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT qty FROM inventory_stocks WHERE store_id = $1 AND product_ref = $2
	`, storeRef, productRef).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.NotFoundf("stock for %s in %s", productRef, storeRef)
		}
		return 0, err
	}
	return qty, nil
}

const orderColumns = `
	id, store_ref, cashier_ref, status, payment_status,
	global_discount_percent, global_discount_fixed, subtotal, global_discount, total_amount,
	notes, lines, payments, version, created_at, completed_at, cancelled_at, refunded_at`

func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.NotFoundf("order %s", id)
		}
		return domain.Order{}, err
	}
	return o, nil
}

const shiftColumns = `
	id, store_ref, cashier_ref, register_ref, status,
	opening_balance, actual_balance, closing_balance, expected_balance, discrepancy,
	total_sales, total_refunds, net_sales, total_cash_in, total_cash_out, total_cancellations,
	per_method_totals, per_method_counts, cash_movements, suspend_reason, notes,
	version, opened_at, closed_at`

func (s *Store) GetShift(ctx context.Context, id string) (domain.ShiftReport, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shift_reports WHERE id = $1`, id)
	sh, err := scanShift(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ShiftReport{}, domain.NotFoundf("shift %s", id)
		}
		return domain.ShiftReport{}, err
	}
	return sh, nil
}

func (s *Store) GetActiveShiftByCashier(ctx context.Context, cashierRef string) (domain.ShiftReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shift_reports
		WHERE cashier_ref = $1 AND status IN ('OPEN', 'SUSPENDED')
	`, cashierRef)
	sh, err := scanShift(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ShiftReport{}, domain.NotFoundf("active shift for cashier %s", cashierRef)
		}
		return domain.ShiftReport{}, err
	}
	return sh, nil
}

const refundColumns = `
	id, order_ref, type, status, reason, items,
	refund_amount, restocking_fee, total_refund_amount,
	shift_ref, requested_by, decided_by, rejection_reason, failure_reason,
	version, created_at, updated_at, completed_at`

func (s *Store) GetRefund(ctx context.Context, id string) (domain.Refund, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id)
	r, err := scanRefund(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Refund{}, domain.NotFoundf("refund %s", id)
		}
		return domain.Refund{}, err
	}
	return r, nil
}

func (s *Store) ListRefundsByOrder(ctx context.Context, orderRef string) ([]domain.Refund, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE order_ref = $1
		ORDER BY created_at ASC, id ASC
	`, orderRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]domain.Refund, 0, 4)
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refunds, nil
}

func (s *Store) ListAuditLogs(ctx context.Context, filter store.AuditFilter) ([]domain.AuditLog, error) {
	limit := filter.Limit
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_ref, cashier_ref, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR store_ref = $1)
		  AND ($2 = '' OR lower(entity_type) = lower($2))
		  AND ($3 = '' OR entity_id = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, filter.StoreRef, filter.EntityType, filter.EntityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreRef, &entry.CashierRef, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// Apply runs the change set in one serializable transaction. Every update is
// guarded by the aggregate's loaded version.
func (s *Store) Apply(ctx context.Context, changes store.Changes) error {
	if changes.Empty() {
		return nil
	}
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	for _, o := range changes.Orders {
		if err := writeOrder(ctx, pgTx, o); err != nil {
			return mapWriteError(err)
		}
	}
	for _, sh := range changes.Shifts {
		if err := writeShift(ctx, pgTx, sh); err != nil {
			return mapWriteError(err)
		}
	}
	for _, r := range changes.Refunds {
		if err := writeRefund(ctx, pgTx, r); err != nil {
			return mapWriteError(err)
		}
	}
	for _, change := range changes.Stock {
		if err := adjustStock(ctx, pgTx, change); err != nil {
			return mapWriteError(err)
		}
	}
	for _, entry := range changes.AuditLogs {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO audit_logs (id, store_ref, cashier_ref, action, entity_type, entity_id, detail, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, entry.ID, entry.StoreRef, entry.CashierRef, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
		if err != nil {
			return mapWriteError(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return mapWriteError(err)
	}

	for _, o := range changes.Orders {
		o.Version++
	}
	for _, sh := range changes.Shifts {
		sh.Version++
	}
	for _, r := range changes.Refunds {
		r.Version++
	}
	return nil
}

func writeOrder(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	lines, err := json.Marshal(nonNil(o.Lines))
	if err != nil {
		return err
	}
	payments, err := json.Marshal(nonNil(o.Payments))
	if err != nil {
		return err
	}
	args := []any{
		o.ID, o.StoreRef, o.CashierRef, o.Status, o.PaymentStatus,
		o.GlobalDiscountPercent, o.GlobalDiscountFixed, o.Subtotal, o.GlobalDiscount, o.TotalAmount,
		o.Notes, string(lines), string(payments), o.Version, o.CreatedAt,
		nullTime(o.CompletedAt), nullTime(o.CancelledAt), nullTime(o.RefundedAt),
	}
	if o.Version == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14 + 1,$15,$16,$17,$18)
		`, args...)
		if isUniqueViolation(err) {
			return domain.Conflictf("order %s already exists", o.ID)
		}
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET store_ref = $2, cashier_ref = $3, status = $4, payment_status = $5,
			global_discount_percent = $6, global_discount_fixed = $7, subtotal = $8,
			global_discount = $9, total_amount = $10, notes = $11, lines = $12, payments = $13,
			version = version + 1, created_at = $15, completed_at = $16, cancelled_at = $17, refunded_at = $18
		WHERE id = $1 AND version = $14
	`, args...)
	if err != nil {
		return err
	}
	return requireOneRow(ctx, tx, res, "orders", "order", o.ID)
}

func writeShift(ctx context.Context, tx *sql.Tx, sh *domain.ShiftReport) error {
	totals, err := json.Marshal(nonNilMap(sh.PerMethodTotals))
	if err != nil {
		return err
	}
	counts, err := json.Marshal(nonNilMap(sh.PerMethodCounts))
	if err != nil {
		return err
	}
	movements, err := json.Marshal(nonNil(sh.CashMovements))
	if err != nil {
		return err
	}
	args := []any{
		sh.ID, sh.StoreRef, sh.CashierRef, sh.RegisterRef, sh.Status,
		sh.OpeningBalance, sh.ActualBalance, sh.ClosingBalance, sh.ExpectedBalance, sh.Discrepancy,
		sh.TotalSales, sh.TotalRefunds, sh.NetSales, sh.TotalCashIn, sh.TotalCashOut, sh.TotalCancellations,
		string(totals), string(counts), string(movements), sh.SuspendReason, sh.Notes,
		sh.Version, sh.OpenedAt, nullTime(sh.ClosedAt),
	}
	if sh.Version == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO shift_reports (`+shiftColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22 + 1,$23,$24)
		`, args...)
		if isUniqueViolation(err) {
			return domain.Conflictf("cashier %s already has an active shift", sh.CashierRef)
		}
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE shift_reports
		SET store_ref = $2, cashier_ref = $3, register_ref = $4, status = $5,
			opening_balance = $6, actual_balance = $7, closing_balance = $8, expected_balance = $9,
			discrepancy = $10, total_sales = $11, total_refunds = $12, net_sales = $13,
			total_cash_in = $14, total_cash_out = $15, total_cancellations = $16,
			per_method_totals = $17, per_method_counts = $18, cash_movements = $19,
			suspend_reason = $20, notes = $21, version = version + 1, opened_at = $23, closed_at = $24
		WHERE id = $1 AND version = $22
	`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflictf("cashier %s already has an active shift", sh.CashierRef)
		}
		return err
	}
	return requireOneRow(ctx, tx, res, "shift_reports", "shift", sh.ID)
}

func writeRefund(ctx context.Context, tx *sql.Tx, r *domain.Refund) error {
	items, err := json.Marshal(nonNil(r.Items))
	if err != nil {
		return err
	}
	args := []any{
		r.ID, r.OrderRef, r.Type, r.Status, r.Reason, string(items),
		r.RefundAmount, r.RestockingFee, r.TotalRefundAmount,
		nullIfEmpty(r.ShiftRef), r.RequestedBy, nullIfEmpty(r.DecidedBy), nullIfEmpty(r.RejectionReason), nullIfEmpty(r.FailureReason),
		r.Version, r.CreatedAt, r.UpdatedAt, nullTime(r.CompletedAt),
	}
	if r.Version == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refunds (`+refundColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15 + 1,$16,$17,$18)
		`, args...)
		if isUniqueViolation(err) {
			return domain.Conflictf("refund %s already exists", r.ID)
		}
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE refunds
		SET order_ref = $2, type = $3, status = $4, reason = $5, items = $6,
			refund_amount = $7, restocking_fee = $8, total_refund_amount = $9,
			shift_ref = $10, requested_by = $11, decided_by = $12, rejection_reason = $13, failure_reason = $14,
			version = version + 1, created_at = $16, updated_at = $17, completed_at = $18
		WHERE id = $1 AND version = $15
	`, args...)
	if err != nil {
		return err
	}
	return requireOneRow(ctx, tx, res, "refunds", "refund", r.ID)
}

func adjustStock(ctx context.Context, tx *sql.Tx, change store.StockChange) error {
	if change.Delta == 0 {
		return nil
	}
	if change.Delta > 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_stocks (store_id, product_ref, qty, updated_at)
			VALUES ($1,$2,$3,now())
			ON CONFLICT (store_id, product_ref)
			DO UPDATE SET qty = inventory_stocks.qty + EXCLUDED.qty, updated_at = now()
		`, change.StoreRef, change.ProductRef, change.Delta)
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE inventory_stocks
		SET qty = qty + $3, updated_at = now()
		WHERE store_id = $1 AND product_ref = $2 AND qty + $3 >= 0
	`, change.StoreRef, change.ProductRef, change.Delta)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.Invalidf("insufficient stock for %s", change.ProductRef)
	}
	return nil
}

// requireOneRow turns a version-guarded update that matched nothing into
// either not-found or a concurrency conflict.
func requireOneRow(ctx context.Context, tx *sql.Tx, res sql.Result, table string, entity string, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var found bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&found); err != nil {
		return err
	}
	if !found {
		return domain.NotFoundf("%s %s", entity, id)
	}
	return domain.Conflictf("%s %s was modified concurrently", entity, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (domain.Order, error) {
	var o domain.Order
	var lines, payments []byte
	var completedAt, cancelledAt, refundedAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.StoreRef, &o.CashierRef, &o.Status, &o.PaymentStatus,
		&o.GlobalDiscountPercent, &o.GlobalDiscountFixed, &o.Subtotal, &o.GlobalDiscount, &o.TotalAmount,
		&o.Notes, &lines, &payments, &o.Version, &o.CreatedAt, &completedAt, &cancelledAt, &refundedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	if err := json.Unmarshal(lines, &o.Lines); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s lines: %w", o.ID, err)
	}
	if err := json.Unmarshal(payments, &o.Payments); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s payments: %w", o.ID, err)
	}
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.RefundedAt = timePtr(refundedAt)
	return o, nil
}

func scanShift(row scanner) (domain.ShiftReport, error) {
	var sh domain.ShiftReport
	var totals, counts, movements []byte
	var closedAt sql.NullTime
	err := row.Scan(
		&sh.ID, &sh.StoreRef, &sh.CashierRef, &sh.RegisterRef, &sh.Status,
		&sh.OpeningBalance, &sh.ActualBalance, &sh.ClosingBalance, &sh.ExpectedBalance, &sh.Discrepancy,
		&sh.TotalSales, &sh.TotalRefunds, &sh.NetSales, &sh.TotalCashIn, &sh.TotalCashOut, &sh.TotalCancellations,
		&totals, &counts, &movements, &sh.SuspendReason, &sh.Notes,
		&sh.Version, &sh.OpenedAt, &closedAt,
	)
	if err != nil {
		return domain.ShiftReport{}, err
	}
	sh.PerMethodTotals = make(map[domain.PaymentMethod]decimal.Decimal)
	sh.PerMethodCounts = make(map[domain.PaymentMethod]int)
	if err := json.Unmarshal(totals, &sh.PerMethodTotals); err != nil {
		return domain.ShiftReport{}, fmt.Errorf("decode shift %s totals: %w", sh.ID, err)
	}
	if err := json.Unmarshal(counts, &sh.PerMethodCounts); err != nil {
		return domain.ShiftReport{}, fmt.Errorf("decode shift %s counts: %w", sh.ID, err)
	}
	if err := json.Unmarshal(movements, &sh.CashMovements); err != nil {
		return domain.ShiftReport{}, fmt.Errorf("decode shift %s cash movements: %w", sh.ID, err)
	}
	sh.ClosedAt = timePtr(closedAt)
	return sh, nil
}

func scanRefund(row scanner) (domain.Refund, error) {
	var r domain.Refund
	var items []byte
	var shiftRef, decidedBy, rejectionReason, failReason sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.OrderRef, &r.Type, &r.Status, &r.Reason, &items,
		&r.RefundAmount, &r.RestockingFee, &r.TotalRefundAmount,
		&shiftRef, &r.RequestedBy, &decidedBy, &rejectionReason, &failReason,
		&r.Version, &r.CreatedAt, &r.UpdatedAt, &completedAt,
	)
	if err != nil {
		return domain.Refund{}, err
	}
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return domain.Refund{}, fmt.Errorf("decode refund %s items: %w", r.ID, err)
	}
	r.ShiftRef = shiftRef.String
	r.DecidedBy = decidedBy.String
	r.RejectionReason = rejectionReason.String
	r.FailureReason = failReason.String
	r.CompletedAt = timePtr(completedAt)
	return r, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return domain.Conflictf("transaction aborted: %s", strings.ToLower(pgErr.Message))
		case "23514":
			return domain.Invalidf("constraint %s violated", pgErr.ConstraintName)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func nonNilMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
