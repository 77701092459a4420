// Package payment abstracts the external payment provider.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
	"github.com/iliyamo/cinema-seat-saga/internal/client"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
)

// ErrUnknownCharge is returned by Status and Refund for a reference the
// provider has never issued.
var ErrUnknownCharge = errors.New("unknown charge")

// ChargeRequest asks the provider to collect an amount.  PaymentID doubles
// as the provider-side idempotency key.
type ChargeRequest struct {
	PaymentID   string `json:"paymentId"`
	BookingID   string `json:"bookingId"`
	UserID      string `json:"userId"`
	AmountCents int64  `json:"amount"`
	Method      string `json:"method"`
}

// ChargeResult is the provider's view of a charge.  Status is PENDING while
// the provider has not decided yet; the decision then arrives through the
// webhook or a later Status call.
type ChargeResult struct {
	Ref    string              `json:"ref"`
	Status model.PaymentStatus `json:"status"`
	Reason string              `json:"reason,omitempty"`
}

// Provider is the payment gateway.
type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Status(ctx context.Context, ref string) (ChargeResult, error)
	Refund(ctx context.Context, ref string, amountCents int64) (string, error)
}

// HTTPProvider talks to a provider exposing a small JSON API.
type HTTPProvider struct {
	jc client.JSON
}

// NewHTTPProvider returns an HTTPProvider for the API at base.
func NewHTTPProvider(base string, hc *http.Client) *HTTPProvider {
	return &HTTPProvider{jc: client.NewJSON(base, hc)}
}

func (p *HTTPProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var out ChargeResult
	err := p.jc.Do(ctx, http.MethodPost, "/v1/charges", req, &out)
	return out, err
}

func (p *HTTPProvider) Status(ctx context.Context, ref string) (ChargeResult, error) {
	var out ChargeResult
	err := p.jc.Do(ctx, http.MethodGet, "/v1/charges/"+url.PathEscape(ref), nil, &out)
	return out, unknownCharge(err, ref)
}

func (p *HTTPProvider) Refund(ctx context.Context, ref string, amountCents int64) (string, error) {
	var out struct {
		RefundRef string `json:"refundRef"`
	}
	err := p.jc.Do(ctx, http.MethodPost, "/v1/charges/"+url.PathEscape(ref)+"/refunds",
		map[string]int64{"amount": amountCents}, &out)
	return out.RefundRef, unknownCharge(err, ref)
}

// unknownCharge turns the provider's 404 for a charge into ErrUnknownCharge.
// The NotFound kind stays in the chain so the breaker does not count it.
func unknownCharge(err error, ref string) error {
	if apperr.Is(err, apperr.NotFound) {
		return fmt.Errorf("%w %s: %w", ErrUnknownCharge, ref, err)
	}
	return err
}

// SandboxProvider settles charges in process.  Charges above Limit are
// declined with "insufficient_funds"; everything else succeeds at once.
// With Async set, charges stay PENDING until Settle is called.
type SandboxProvider struct {
	Limit int64
	Async bool

	mu      sync.Mutex
	charges map[string]ChargeResult
	amounts map[string]int64
	refunds map[string]string
}

// NewSandboxProvider returns a SandboxProvider declining amounts above limit.
func NewSandboxProvider(limit int64) *SandboxProvider {
	return &SandboxProvider{
		Limit:   limit,
		charges: make(map[string]ChargeResult),
		amounts: make(map[string]int64),
		refunds: make(map[string]string),
	}
}

func (p *SandboxProvider) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := "sbx_" + req.PaymentID
	if res, ok := p.charges[ref]; ok {
		return res, nil
	}
	res := ChargeResult{Ref: ref, Status: model.PaymentSuccess}
	switch {
	case p.Async:
		res.Status = model.PaymentPending
	case p.Limit > 0 && req.AmountCents > p.Limit:
		res.Status, res.Reason = model.PaymentFailed, "insufficient_funds"
	}
	p.charges[ref] = res
	p.amounts[ref] = req.AmountCents
	return res, nil
}

// Settle decides a pending sandbox charge.
func (p *SandboxProvider) Settle(ref string, status model.PaymentStatus, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.charges[ref]; ok {
		p.charges[ref] = ChargeResult{Ref: ref, Status: status, Reason: reason}
	}
}

func (p *SandboxProvider) Status(_ context.Context, ref string) (ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.charges[ref]
	if !ok {
		return ChargeResult{}, ErrUnknownCharge
	}
	return res, nil
}

func (p *SandboxProvider) Refund(_ context.Context, ref string, amountCents int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.charges[ref]
	if !ok {
		return "", ErrUnknownCharge
	}
	if res.Status != model.PaymentSuccess {
		return "", fmt.Errorf("refund %s: charge is %s", ref, res.Status)
	}
	if amountCents > p.amounts[ref] {
		return "", fmt.Errorf("refund %s: amount %d exceeds charge", ref, amountCents)
	}
	if rf, ok := p.refunds[ref]; ok {
		return rf, nil
	}
	rf := "rf_" + ref
	p.refunds[ref] = rf
	return rf, nil
}
