package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/money"
	"kasirinaja/ledger/internal/store"
)

// DefaultStoreRef is the store the seeded inventory belongs to.
const DefaultStoreRef = "main-store"

type Store struct {
	mu             sync.RWMutex
	products       map[string]domain.PriceSnapshot
	inventory      map[string]map[string]int
	ordersByID     map[string]domain.Order
	shiftsByID     map[string]domain.ShiftReport
	activeShift    map[string]string
	refundsByID    map[string]domain.Refund
	refundsByOrder map[string][]string
	auditLogs      []domain.AuditLog
}

func New() *Store {
	return &Store{
		products:       make(map[string]domain.PriceSnapshot),
		inventory:      make(map[string]map[string]int),
		ordersByID:     make(map[string]domain.Order),
		shiftsByID:     make(map[string]domain.ShiftReport),
		activeShift:    make(map[string]string),
		refundsByID:    make(map[string]domain.Refund),
		refundsByOrder: make(map[string][]string),
		auditLogs:      make([]domain.AuditLog, 0, 128),
	}
}

// NewSeeded returns a store with a small grocery catalog and 120 units of
// each product in DefaultStoreRef.
func NewSeeded() *Store {
	s := New()
	for _, p := range []struct {
		ref   string
		price string
		tax   string
	}{
		{"SKU-MIE-01", "3500", "11"},
		{"SKU-TELUR-01", "26500", "0"},
		{"SKU-SUSU-01", "18900", "11"},
		{"SKU-ROTI-01", "17800", "11"},
		{"SKU-KOPI-01", "2600", "11"},
		{"SKU-GULA-01", "17400", "0"},
		{"SKU-TEH-01", "9800", "11"},
		{"SKU-AIR-01", "3900", "11"},
		{"SKU-KERIPIK-01", "12800", "11"},
		{"SKU-COKLAT-01", "8600", "11"},
		{"SKU-SABUN-01", "7400", "11"},
		{"SKU-SHAMPOO-01", "3200", "11"},
	} {
		s.PutProduct(domain.PriceSnapshot{
			ProductRef:     p.ref,
			UnitPrice:      money.MustParse(p.price),
			TaxRatePercent: money.MustParse(p.tax),
		})
		s.SetStock(DefaultStoreRef, p.ref, 120)
	}
	return s
}

func (s *Store) PutProduct(p domain.PriceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ProductRef] = p
}

func (s *Store) SetStock(storeRef string, productRef string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inventory[storeRef] == nil {
		s.inventory[storeRef] = make(map[string]int)
	}
	s.inventory[storeRef][productRef] = qty
}

func (s *Store) PriceSnapshot(_ context.Context, productRef string) (domain.PriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productRef]
	if !ok {
		return domain.PriceSnapshot{}, domain.NotFoundf("product %s", productRef)
	}
	return p, nil
}

func (s *Store) StockLevel(_ context.Context, storeRef string, productRef string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qty, ok := s.inventory[storeRef][productRef]
	if !ok {
		return 0, domain.NotFoundf("stock for %s in %s", productRef, storeRef)
	}
	return qty, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.ordersByID[id]
	if !ok {
		return domain.Order{}, domain.NotFoundf("order %s", id)
	}
	return o.Clone(), nil
}

func (s *Store) GetShift(_ context.Context, id string) (domain.ShiftReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.shiftsByID[id]
	if !ok {
		return domain.ShiftReport{}, domain.NotFoundf("shift %s", id)
	}
	return sh.Clone(), nil
}

func (s *Store) GetActiveShiftByCashier(_ context.Context, cashierRef string) (domain.ShiftReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeShift[cashierRef]
	if !ok {
		return domain.ShiftReport{}, domain.NotFoundf("active shift for cashier %s", cashierRef)
	}
	return s.shiftsByID[id].Clone(), nil
}

func (s *Store) GetRefund(_ context.Context, id string) (domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.refundsByID[id]
	if !ok {
		return domain.Refund{}, domain.NotFoundf("refund %s", id)
	}
	return r.Clone(), nil
}

func (s *Store) ListRefundsByOrder(_ context.Context, orderRef string) ([]domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.refundsByOrder[orderRef]
	out := make([]domain.Refund, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.refundsByID[id].Clone())
	}
	return out, nil
}

func (s *Store) ListAuditLogs(_ context.Context, filter store.AuditFilter) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 || limit > 500 {
		limit = 100
	}
	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.auditLogs[i]
		if filter.StoreRef != "" && entry.StoreRef != filter.StoreRef {
			continue
		}
		if filter.EntityType != "" && !strings.EqualFold(entry.EntityType, filter.EntityType) {
			continue
		}
		if filter.EntityID != "" && entry.EntityID != filter.EntityID {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Apply validates the whole change set under the write lock before touching
// any map, so a failed check leaves the store as it was.
func (s *Store) Apply(_ context.Context, changes store.Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range changes.Orders {
		if err := checkVersion("order", o.ID, o.Version, s.ordersByID[o.ID].Version, exists(s.ordersByID, o.ID)); err != nil {
			return err
		}
	}
	for _, r := range changes.Refunds {
		if err := checkVersion("refund", r.ID, r.Version, s.refundsByID[r.ID].Version, exists(s.refundsByID, r.ID)); err != nil {
			return err
		}
	}
	active := make(map[string]string, len(s.activeShift))
	for cashier, id := range s.activeShift {
		active[cashier] = id
	}
	for _, sh := range changes.Shifts {
		if err := checkVersion("shift", sh.ID, sh.Version, s.shiftsByID[sh.ID].Version, exists(s.shiftsByID, sh.ID)); err != nil {
			return err
		}
		current, has := active[sh.CashierRef]
		switch {
		case sh.Status == domain.ShiftClosed:
			if current == sh.ID {
				delete(active, sh.CashierRef)
			}
		case has && current != sh.ID:
			return domain.Conflictf("cashier %s already has active shift %s", sh.CashierRef, current)
		default:
			active[sh.CashierRef] = sh.ID
		}
	}

	levels := make(map[[2]string]int)
	for _, change := range changes.Stock {
		key := [2]string{change.StoreRef, change.ProductRef}
		qty, seen := levels[key]
		if !seen {
			qty = s.inventory[change.StoreRef][change.ProductRef]
		}
		qty += change.Delta
		if qty < 0 {
			return domain.Invalidf("insufficient stock for %s", change.ProductRef)
		}
		levels[key] = qty
	}

	for _, o := range changes.Orders {
		o.Version++
		s.ordersByID[o.ID] = o.Clone()
	}
	for _, sh := range changes.Shifts {
		sh.Version++
		s.shiftsByID[sh.ID] = sh.Clone()
	}
	s.activeShift = active
	for _, r := range changes.Refunds {
		if !exists(s.refundsByID, r.ID) {
			s.refundsByOrder[r.OrderRef] = append(s.refundsByOrder[r.OrderRef], r.ID)
		}
		r.Version++
		s.refundsByID[r.ID] = r.Clone()
	}
	for key, qty := range levels {
		if s.inventory[key[0]] == nil {
			s.inventory[key[0]] = make(map[string]int)
		}
		s.inventory[key[0]][key[1]] = qty
	}
	s.auditLogs = append(s.auditLogs, slices.Clone(changes.AuditLogs)...)
	return nil
}

func checkVersion(entity string, id string, want int64, stored int64, found bool) error {
	switch {
	case want == 0 && found:
		return domain.Conflictf("%s %s already exists", entity, id)
	case want != 0 && !found:
		return domain.NotFoundf("%s %s", entity, id)
	case want != 0 && stored != want:
		return domain.Conflictf("%s %s was modified (version %d, have %d)", entity, id, stored, want)
	}
	return nil
}

func exists[V any](m map[string]V, id string) bool {
	_, ok := m[id]
	return ok
}
