package order

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/cinema-seat-saga/internal/client"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
	"github.com/iliyamo/cinema-seat-saga/internal/repository"
)

type memBookings struct {
	mu        sync.Mutex
	rows      map[string]model.Booking
	createErr error
}

func newMemBookings() *memBookings {
	return &memBookings{rows: make(map[string]model.Booking)}
}

func (m *memBookings) put(b model.Booking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[b.ID] = b
}

func (m *memBookings) get(id string) model.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

func (m *memBookings) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memBookings) Create(_ context.Context, b *model.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.rows[b.ID]; ok {
		return repository.ErrConflict
	}
	m.rows[b.ID] = *b
	return nil
}

func (m *memBookings) GetByID(_ context.Context, id string) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return model.Booking{}, repository.ErrNotFound
	}
	return b, nil
}

func (m *memBookings) Update(_ context.Context, id string, fn func(*model.Booking) error) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return model.Booking{}, repository.ErrNotFound
	}
	cp := b
	if err := fn(&cp); err != nil {
		if errors.Is(err, repository.ErrNoChange) {
			return b, nil
		}
		return model.Booking{}, err
	}
	cp.UpdatedAt = time.Now().UTC()
	m.rows[id] = cp
	return cp, nil
}

func (m *memBookings) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Booking
	for _, b := range m.rows {
		if b.Status == model.BookingPending && b.ExpiresAt.Before(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	ids := make([]string, 0, len(out))
	for i, b := range out {
		if i == limit {
			break
		}
		ids = append(ids, b.ID)
	}
	return ids, nil
}

type stubPeers struct {
	mu          sync.Mutex
	prices      map[string]int64
	priceErr    error
	priceCalls  int
	discount    int64
	query       client.DiscountQuery
	title       string
	rank        string
	showtime    model.Showtime
	showtimeErr error
}

func (p *stubPeers) peers() Peers {
	return Peers{Pricing: p, Promotions: p, Catalog: p, Profiles: p, Showtimes: p}
}

func (p *stubPeers) SeatPrices(_ context.Context, _ string, seatIDs []string) (map[string]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceCalls++
	if p.priceErr != nil {
		return nil, p.priceErr
	}
	out := make(map[string]int64, len(seatIDs))
	for _, s := range seatIDs {
		out[s] = p.prices[s]
	}
	return out, nil
}

func (p *stubPeers) Discount(_ context.Context, q client.DiscountQuery) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.query = q
	return p.discount
}

func (p *stubPeers) MovieTitle(context.Context, string) string { return p.title }

func (p *stubPeers) Rank(context.Context, string) string { return p.rank }

func (p *stubPeers) Showtime(context.Context, string) (model.Showtime, error) {
	return p.showtime, p.showtimeErr
}
