package marketplace

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemorySource is an in-memory Source for development and tests.
type MemorySource struct {
	mu         sync.RWMutex
	orders     []Order
	users      map[int64]*User
	complaints []Complaint
	shops      map[int64]*Shop
	nextOrder  int64
	nextUser   int64
	nextCompl  int64
	failWith   error
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource creates an empty in-memory marketplace.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		users: make(map[int64]*User),
		shops: make(map[int64]*Shop),
	}
}

// FailWith makes every read return err until reset with nil.
func (m *MemorySource) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

// AddUser stores u, assigning an ID when zero. Returns the stored ID.
func (m *MemorySource) AddUser(u User) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		m.nextUser++
		u.ID = m.nextUser
	} else if u.ID > m.nextUser {
		m.nextUser = u.ID
	}
	if u.Role == "" {
		u.Role = RoleCustomer
	}
	m.users[u.ID] = &u
	return u.ID
}

// AddShop stores s.
func (m *MemorySource) AddShop(s Shop) {
	m.mu.Lock()
	m.shops[s.ID] = &s
	m.mu.Unlock()
}

// AddOrder stores o with the next order ID and returns it.
func (m *MemorySource) AddOrder(o Order) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOrder++
	o.ID = m.nextOrder
	if o.Status == "" {
		o.Status = StatusPending
	}
	if s, ok := m.shops[o.ShopID]; ok && o.ShopName == "" {
		o.ShopName = s.Name
	}
	m.orders = append(m.orders, o)
	return o.ID
}

// AddComplaint stores c with the next complaint ID.
func (m *MemorySource) AddComplaint(c Complaint) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCompl++
	c.ID = m.nextCompl
	if c.Status == "" {
		c.Status = ComplaintPending
	}
	m.complaints = append(m.complaints, c)
	return c.ID
}

func (m *MemorySource) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failWith
}

func (m *MemorySource) MaxOrderID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	var maxID int64
	for _, o := range m.orders {
		if o.ID > maxID {
			maxID = o.ID
		}
	}
	return maxID, nil
}

func (m *MemorySource) OrdersAfter(ctx context.Context, afterID int64, limit int) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []Order
	for _, o := range m.orders {
		if o.ID > afterID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySource) CountPendingComplaints(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	n := 0
	for _, c := range m.complaints {
		if c.Status == ComplaintPending {
			n++
		}
	}
	return n, nil
}

func (m *MemorySource) DeliveredRevenue(ctx context.Context, from, to time.Time) (decimal.Decimal, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return decimal.Zero, 0, m.failWith
	}
	revenue := decimal.Zero
	count := 0
	for _, o := range m.orders {
		if !within(o.CreatedAt, from, to) {
			continue
		}
		count++
		if o.Status == StatusDelivered {
			revenue = revenue.Add(o.Total)
		}
	}
	return revenue, count, nil
}

func (m *MemorySource) CountOrders(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	return len(m.orders), nil
}

func (m *MemorySource) CountOrdersSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	n := 0
	for _, o := range m.orders {
		if !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemorySource) FirstOrderAt(ctx context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return time.Time{}, false, m.failWith
	}
	if len(m.orders) == 0 {
		return time.Time{}, false, nil
	}
	first := m.orders[0].CreatedAt
	for _, o := range m.orders[1:] {
		if o.CreatedAt.Before(first) {
			first = o.CreatedAt
		}
	}
	return first, true, nil
}

func (m *MemorySource) CustomerActivitySince(ctx context.Context, since time.Time) ([]CustomerActivity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	byCustomer := make(map[int64]*CustomerActivity)
	for _, o := range m.orders {
		if o.CreatedAt.Before(since) {
			continue
		}
		a, ok := byCustomer[o.CustomerID]
		if !ok {
			a = &CustomerActivity{CustomerID: o.CustomerID}
			byCustomer[o.CustomerID] = a
		}
		a.Orders++
		if o.Status == StatusCancelled {
			a.Cancelled++
		}
		if o.PaymentStatus == PaymentRefunded {
			a.Refunded++
		}
	}
	out := make([]CustomerActivity, 0, len(byCustomer))
	for _, a := range byCustomer {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out, nil
}

func (m *MemorySource) CountComplaintsSince(ctx context.Context, authUID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	n := 0
	for _, c := range m.complaints {
		if c.UserAuthUID == authUID && !c.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemorySource) CountUsersSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	n := 0
	for _, u := range m.users {
		if !u.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemorySource) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemorySource) UserByAuthUID(ctx context.Context, authUID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	for _, u := range m.users {
		if u.AuthUID != "" && u.AuthUID == authUID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemorySource) DayStats(ctx context.Context, from, to time.Time) (*DayStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	stats := &DayStats{Revenue: decimal.Zero, RevenueDelivered: decimal.Zero}
	customers := make(map[int64]struct{})
	shops := make(map[int64]struct{})
	var deliveryTotal time.Duration
	var deliveryN int

	for _, o := range m.orders {
		if !within(o.CreatedAt, from, to) {
			continue
		}
		stats.OrderCount++
		stats.Revenue = stats.Revenue.Add(o.Total)
		customers[o.CustomerID] = struct{}{}
		shops[o.ShopID] = struct{}{}
		switch o.Status {
		case StatusDelivered:
			stats.DeliveredCount++
			stats.RevenueDelivered = stats.RevenueDelivered.Add(o.Total)
			if o.DeliveredAt != nil && o.ConfirmedAt != nil {
				deliveryTotal += o.DeliveredAt.Sub(*o.ConfirmedAt)
				deliveryN++
			}
		case StatusCancelled:
			stats.CancelledCount++
		}
	}
	if deliveryN > 0 {
		stats.AvgDeliveryMinutes = roundTenth(deliveryTotal.Minutes() / float64(deliveryN))
	}
	stats.ActiveCustomers = len(customers)
	stats.ShopsWithOrders = len(shops)

	for _, u := range m.users {
		if within(u.CreatedAt, from, to) {
			stats.NewUsers++
		}
	}
	for _, c := range m.complaints {
		if !within(c.CreatedAt, from, to) {
			continue
		}
		stats.ComplaintsTotal++
		if c.Status == ComplaintPending {
			stats.ComplaintsPending++
		}
	}
	for _, s := range m.shops {
		if s.Status == ShopApproved && s.IsActive {
			stats.ActiveShops++
		}
	}
	return stats, nil
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func roundTenth(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
