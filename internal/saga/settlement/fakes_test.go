package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/cinema-seat-saga/internal/model"
	"github.com/iliyamo/cinema-seat-saga/internal/payment"
	"github.com/iliyamo/cinema-seat-saga/internal/repository"
)

type memPayments struct {
	mu   sync.Mutex
	rows map[string]model.PaymentTransaction
}

func newMemPayments() *memPayments {
	return &memPayments{rows: make(map[string]model.PaymentTransaction)}
}

func (m *memPayments) byBooking(bookingID string) (model.PaymentTransaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.BookingID == bookingID {
			return p, true
		}
	}
	return model.PaymentTransaction{}, false
}

func (m *memPayments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memPayments) Create(_ context.Context, p *model.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.BookingID == p.BookingID && r.Status == model.PaymentPending {
			return repository.ErrConflict
		}
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	m.rows[p.ID] = *p
	return nil
}

func (m *memPayments) GetByBookingID(_ context.Context, bookingID string) (model.PaymentTransaction, error) {
	if p, ok := m.byBooking(bookingID); ok {
		return p, nil
	}
	return model.PaymentTransaction{}, repository.ErrNotFound
}

func (m *memPayments) GetByRef(_ context.Context, ref string) (model.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.TransactionRef == ref {
			return p, nil
		}
	}
	return model.PaymentTransaction{}, repository.ErrNotFound
}

func (m *memPayments) AssignRef(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.rows[id]
	if p.TransactionRef == "" {
		p.TransactionRef = ref
		m.rows[id] = p
	}
	return nil
}

func (m *memPayments) Settle(_ context.Context, id string, status model.PaymentStatus, reason string, onSettled func() error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != model.PaymentPending {
		return false, nil
	}
	if onSettled != nil {
		if err := onSettled(); err != nil {
			return false, err
		}
	}
	p.Status, p.FailureReason = status, reason
	m.rows[id] = p
	return true, nil
}

func (m *memPayments) MarkRefunded(_ context.Context, id, refundRef string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.rows[id]
	if p.Status != model.PaymentSuccess || p.RefundedAt != nil {
		return false, nil
	}
	p.RefundRef, p.RefundedAt = refundRef, &at
	m.rows[id] = p
	return true, nil
}

func (m *memPayments) ListPending(_ context.Context, olderThan time.Time, limit int) ([]model.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PaymentTransaction
	for _, p := range m.rows {
		if p.Status == model.PaymentPending && p.CreatedAt.Before(olderThan) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var errProviderDown = errors.New("provider down")

// countingProvider wraps the sandbox, counts calls and can be switched off.
type countingProvider struct {
	*payment.SandboxProvider

	mu      sync.Mutex
	down    bool
	charges int
	refunds int
}

func (p *countingProvider) setDown(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = v
}

func (p *countingProvider) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	p.mu.Lock()
	p.charges++
	down := p.down
	p.mu.Unlock()
	if down {
		return payment.ChargeResult{}, errProviderDown
	}
	return p.SandboxProvider.Charge(ctx, req)
}

func (p *countingProvider) Refund(ctx context.Context, ref string, amountCents int64) (string, error) {
	p.mu.Lock()
	p.refunds++
	p.mu.Unlock()
	return p.SandboxProvider.Refund(ctx, ref, amountCents)
}
