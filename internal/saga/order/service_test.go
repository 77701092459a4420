package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
	"github.com/iliyamo/cinema-seat-saga/internal/client"
	"github.com/iliyamo/cinema-seat-saga/internal/events"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
	"github.com/iliyamo/cinema-seat-saga/internal/queue/queuetest"
	"github.com/iliyamo/cinema-seat-saga/internal/seatlock"
)

const (
	showtimeID = "9b2f6a52-4c0e-4a0e-9a43-0f3f7f0f1a11"
	bookingID  = "1c0d8e55-8a5b-4d4e-9c1e-2b8f1e7a0b22"
)

type fixture struct {
	svc      *Service
	bookings *memBookings
	peers    *stubPeers
	bus      *queuetest.Recorder
	locks    *seatlock.Manager
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		bookings: newMemBookings(),
		peers: &stubPeers{
			prices:   map[string]int64{"S1": 1000, "S2": 1500},
			title:    "Dune",
			rank:     "GOLD",
			showtime: model.Showtime{ID: showtimeID, MovieID: "M1", Status: model.ShowtimeActive},
		},
		bus:   &queuetest.Recorder{},
		locks: seatlock.NewManager(seatlock.NewRedisStore(rdb), 2*time.Minute),
		mr:    mr,
	}
	f.svc = NewService(f.bookings, f.locks, f.peers.peers(), f.bus, 10*time.Minute)
	return f
}

func (f *fixture) hold(t *testing.T, user string, seats ...string) {
	t.Helper()
	res, err := f.locks.Lock(context.Background(), showtimeID, seats, user)
	require.NoError(t, err)
	require.True(t, res.Acquired)
}

func (f *fixture) seed(status model.BookingStatus) model.Booking {
	b := model.Booking{
		ID:               bookingID,
		UserID:           "U1",
		ShowtimeID:       showtimeID,
		SeatIDs:          []string{"S1", "S2"},
		Status:           status,
		SubtotalCents:    2500,
		TotalAmountCents: 2500,
		ExpiresAt:        time.Now().Add(10 * time.Minute),
	}
	f.bookings.put(b)
	return b
}

func code(err error) string {
	c, _, _ := apperr.Details(err)
	return c
}

func TestCheckoutCreatesPendingBooking(t *testing.T) {
	f := newFixture(t)
	f.peers.discount = 500
	f.hold(t, "U1", "S1", "S2")

	b, err := f.svc.Checkout(context.Background(), "U1", showtimeID, []string{"S1", "S2", "S2"})
	require.NoError(t, err)

	assert.Equal(t, model.BookingPending, b.Status)
	assert.Equal(t, []string{"S1", "S2"}, b.SeatIDs)
	assert.Equal(t, int64(2500), b.SubtotalCents)
	assert.Equal(t, int64(500), b.DiscountCents)
	assert.Equal(t, int64(2000), b.TotalAmountCents)
	assert.Equal(t, map[string]int64{"S1": 1000, "S2": 1500}, b.SeatPrices)
	assert.Equal(t, "Dune", b.MovieTitle)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), b.ExpiresAt, 5*time.Second)
	assert.Equal(t, b, f.bookings.get(b.ID))

	assert.Equal(t, client.DiscountQuery{UserID: "U1", ShowtimeID: showtimeID, SubtotalCents: 2500, Rank: "GOLD"}, f.peers.query)
	assert.Equal(t, 10*time.Minute, f.mr.TTL(seatlock.Key(showtimeID, "S1")))
	assert.Equal(t, 10*time.Minute, f.mr.TTL(seatlock.Key(showtimeID, "S2")))

	assert.Equal(t, []string{events.BookingCreated, events.BookingSeatMapped}, f.bus.Types())
	var created events.BookingCreatedPayload
	require.True(t, f.bus.Decode(events.BookingCreated, 0, &created))
	assert.Equal(t, events.BookingCreatedPayload{BookingID: b.ID, UserID: "U1", ShowtimeID: showtimeID, SeatIDs: []string{"S1", "S2"}, TotalPrice: 2000}, created)
	var mapped events.SeatMappedPayload
	require.True(t, f.bus.Decode(events.BookingSeatMapped, 0, &mapped))
	assert.Equal(t, "U1", mapped.UserID)
	assert.Equal(t, b.ID, mapped.BookingID)
}

func TestCheckoutRequiresHeldSeats(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "U1", "S1")
	f.hold(t, "U2", "S2")

	_, err := f.svc.Checkout(context.Background(), "U1", showtimeID, []string{"S1", "S2"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Equal(t, "seat_not_held", code(err))

	assert.Zero(t, f.bookings.count())
	assert.Zero(t, f.peers.priceCalls)
	assert.Empty(t, f.bus.Types())
	assert.Equal(t, 2*time.Minute, f.mr.TTL(seatlock.Key(showtimeID, "S1")))
}

func TestCheckoutRejections(t *testing.T) {
	cases := []struct {
		name    string
		user    string
		st      string
		seats   []string
		prepare func(*fixture)
		kind    apperr.Kind
		code    string
	}{
		{name: "no user", user: "", st: showtimeID, seats: []string{"S1"}, kind: apperr.Unauthorized, code: "unauthorized"},
		{name: "bad showtime id", user: "U1", st: "nope", seats: []string{"S1"}, kind: apperr.Validation, code: "invalid_showtime"},
		{name: "no seats", user: "U1", st: showtimeID, seats: []string{""}, kind: apperr.Validation, code: "invalid_seats"},
		{
			name: "suspended showtime", user: "U1", st: showtimeID, seats: []string{"S1"},
			prepare: func(f *fixture) { f.peers.showtime.Status = model.ShowtimeSuspended },
			kind:    apperr.Conflict, code: "showtime_suspended",
		},
		{
			name: "pricing unavailable", user: "U1", st: showtimeID, seats: []string{"S1"},
			prepare: func(f *fixture) { f.peers.priceErr = client.ErrPricingUnavailable },
			kind:    apperr.Dependency, code: "pricing_unavailable",
		},
		{
			name: "showtime lookup down", user: "U1", st: showtimeID, seats: []string{"S1"},
			prepare: func(f *fixture) {
				f.peers.showtimeErr = apperr.New(apperr.Dependency, "showtime_unavailable", "showtime service unavailable")
			},
			kind: apperr.Dependency, code: "showtime_unavailable",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.hold(t, "U1", "S1")
			if tc.prepare != nil {
				tc.prepare(f)
			}
			_, err := f.svc.Checkout(context.Background(), tc.user, tc.st, tc.seats)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
			assert.Equal(t, tc.code, code(err))
			assert.Zero(t, f.bookings.count())
			assert.Empty(t, f.bus.Types())
			assert.Equal(t, 2*time.Minute, f.mr.TTL(seatlock.Key(showtimeID, "S1")))
		})
	}
}

func TestCheckoutCancelsBookingWhenAnnounceFails(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "U1", "S1")
	f.bus.Err = errors.New("broker down")

	_, err := f.svc.Checkout(context.Background(), "U1", showtimeID, []string{"S1"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Dependency))

	require.Equal(t, 1, f.bookings.count())
	for _, b := range f.bookings.rows {
		assert.Equal(t, model.BookingCancelled, b.Status)
	}
	owns, err := f.locks.ValidateOwnership(context.Background(), showtimeID, []string{"S1"}, "U1")
	require.NoError(t, err)
	assert.True(t, owns)
}

func TestSettlementSucceededConfirmsOnce(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "U1", "S1", "S2")
	f.seed(model.BookingPending)
	ctx := context.Background()
	p := events.SettlementPayload{PaymentID: "P1", BookingID: bookingID, Amount: 2500}

	require.NoError(t, f.svc.OnSettlementSucceeded(ctx, p))
	assert.Equal(t, model.BookingConfirmed, f.bookings.get(bookingID).Status)
	assert.Equal(t, []string{events.BookingConfirmed, events.BookingFinalized}, f.bus.Types())

	var confirmed events.BookingStatusPayload
	require.True(t, f.bus.Decode(events.BookingConfirmed, 0, &confirmed))
	assert.Equal(t, events.BookingStatusPayload{BookingID: bookingID, UserID: "U1", ShowtimeID: showtimeID, SeatIDs: []string{"S1", "S2"}, Status: "CONFIRMED"}, confirmed)
	var fin events.BookingFinalizedPayload
	require.True(t, f.bus.Decode(events.BookingFinalized, 0, &fin))
	assert.Equal(t, int64(2500), fin.FinalPrice)

	f.bus.Reset()
	require.NoError(t, f.svc.OnSettlementSucceeded(ctx, p))
	require.NoError(t, f.svc.OnSettlementFailed(ctx, p))
	assert.Empty(t, f.bus.Types())
	assert.Equal(t, model.BookingConfirmed, f.bookings.get(bookingID).Status)
}

func TestSettlementFailedReleasesSeats(t *testing.T) {
	f := newFixture(t)
	f.seed(model.BookingPending)

	require.NoError(t, f.svc.OnSettlementFailed(context.Background(), events.SettlementPayload{PaymentID: "P1", BookingID: bookingID, Reason: "insufficient_funds"}))
	assert.Equal(t, model.BookingCancelled, f.bookings.get(bookingID).Status)
	assert.Equal(t, []string{events.BookingCancelled, events.SeatUnlocked}, f.bus.Types())

	var unlocked events.SeatUnlockedPayload
	require.True(t, f.bus.Decode(events.SeatUnlocked, 0, &unlocked))
	require.NotNil(t, unlocked.BookingID)
	assert.Equal(t, bookingID, *unlocked.BookingID)
	assert.Equal(t, events.ReasonPaymentFailed, unlocked.Reason)
	assert.Equal(t, []string{"S1", "S2"}, unlocked.SeatIDs)
}

func TestLatePaymentIsRefunded(t *testing.T) {
	f := newFixture(t)
	f.seed(model.BookingExpired)

	require.NoError(t, f.svc.OnSettlementSucceeded(context.Background(), events.SettlementPayload{PaymentID: "P9", BookingID: bookingID, Amount: 2400}))
	assert.Equal(t, model.BookingExpired, f.bookings.get(bookingID).Status)
	assert.Equal(t, []string{events.BookingRefundIssued}, f.bus.Types())

	var refund events.RefundIssuedPayload
	require.True(t, f.bus.Decode(events.BookingRefundIssued, 0, &refund))
	assert.Equal(t, events.RefundIssuedPayload{BookingID: bookingID, PaymentID: "P9", UserID: "U1", Amount: 2400, Reason: events.ReasonLatePayment}, refund)
}

func TestSettlementAfterHoldWindowExpiresAndRefunds(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "U1", "S1", "S2")
	b := f.seed(model.BookingPending)
	b.ExpiresAt = time.Now().Add(-time.Minute)
	f.bookings.put(b)

	require.NoError(t, f.svc.OnSettlementSucceeded(context.Background(), events.SettlementPayload{PaymentID: "P1", BookingID: bookingID, Amount: 2500}))
	assert.Equal(t, model.BookingExpired, f.bookings.get(bookingID).Status)
	assert.Equal(t, []string{events.BookingExpired, events.SeatUnlocked, events.BookingRefundIssued}, f.bus.Types())

	var refund events.RefundIssuedPayload
	require.True(t, f.bus.Decode(events.BookingRefundIssued, 0, &refund))
	assert.Equal(t, events.ReasonLatePayment, refund.Reason)
	assert.Equal(t, "P1", refund.PaymentID)
	assert.Equal(t, int64(2500), refund.Amount)

	var unlocked events.SeatUnlockedPayload
	require.True(t, f.bus.Decode(events.SeatUnlocked, 0, &unlocked))
	assert.Equal(t, events.ReasonHoldExpired, unlocked.Reason)
}

func TestSettlementAfterSeatsWereTakenRefunds(t *testing.T) {
	f := newFixture(t)
	f.seed(model.BookingPending)
	// U1's locks lapsed and U2 now holds one of the seats.
	f.hold(t, "U2", "S1")

	require.NoError(t, f.svc.OnSettlementSucceeded(context.Background(), events.SettlementPayload{PaymentID: "P1", BookingID: bookingID, Amount: 2500}))
	assert.Equal(t, model.BookingExpired, f.bookings.get(bookingID).Status)
	assert.NotContains(t, f.bus.Types(), events.BookingConfirmed)
	assert.Contains(t, f.bus.Types(), events.BookingRefundIssued)

	owns, err := f.locks.ValidateOwnership(context.Background(), showtimeID, []string{"S1"}, "U2")
	require.NoError(t, err)
	assert.True(t, owns)
}

func TestSettlementRetriedWhenLockStoreIsDown(t *testing.T) {
	f := newFixture(t)
	f.seed(model.BookingPending)
	f.mr.Close()

	require.Error(t, f.svc.OnSettlementSucceeded(context.Background(), events.SettlementPayload{PaymentID: "P1", BookingID: bookingID, Amount: 2500}))
	assert.Equal(t, model.BookingPending, f.bookings.get(bookingID).Status)
	assert.Empty(t, f.bus.Types())
}

func TestLostSeatsAfterConfirmationAreRefunded(t *testing.T) {
	f := newFixture(t)
	f.seed(model.BookingConfirmed)
	p := events.SeatLockExpiredPayload{BookingID: bookingID, ShowtimeID: showtimeID, SeatIDs: []string{"S1"}}

	require.NoError(t, f.svc.OnSeatLockExpired(context.Background(), p))
	assert.Equal(t, model.BookingRefunded, f.bookings.get(bookingID).Status)
	assert.Equal(t, []string{events.BookingRefunded, events.SeatUnlocked, events.BookingRefundIssued}, f.bus.Types())

	var unlocked events.SeatUnlockedPayload
	require.True(t, f.bus.Decode(events.SeatUnlocked, 0, &unlocked))
	assert.Equal(t, events.ReasonHoldExpired, unlocked.Reason)
	var refund events.RefundIssuedPayload
	require.True(t, f.bus.Decode(events.BookingRefundIssued, 0, &refund))
	assert.Equal(t, events.ReasonHoldExpired, refund.Reason)

	f.bus.Reset()
	require.NoError(t, f.svc.OnSeatLockExpired(context.Background(), p))
	assert.Empty(t, f.bus.Types())
}

func TestEventForUnknownBookingIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.OnSettlementSucceeded(context.Background(), events.SettlementPayload{PaymentID: "P1", BookingID: "missing"}))
	require.NoError(t, f.svc.OnSeatLockExpired(context.Background(), events.SeatLockExpiredPayload{BookingID: "missing", ShowtimeID: showtimeID, SeatIDs: []string{"S1"}}))
	assert.Empty(t, f.bus.Types())
}

func TestTransitionRolledBackWhenPublishFails(t *testing.T) {
	f := newFixture(t)
	f.seed(model.BookingPending)
	ctx := context.Background()
	p := events.SeatLockExpiredPayload{BookingID: bookingID, ShowtimeID: showtimeID, SeatIDs: []string{"S1"}}

	f.bus.Err = errors.New("broker down")
	require.Error(t, f.svc.OnSeatLockExpired(ctx, p))
	assert.Equal(t, model.BookingPending, f.bookings.get(bookingID).Status)

	f.bus.Err = nil
	require.NoError(t, f.svc.OnSeatLockExpired(ctx, p))
	assert.Equal(t, model.BookingExpired, f.bookings.get(bookingID).Status)
	assert.Equal(t, []string{events.BookingExpired, events.SeatUnlocked}, f.bus.Types())
}

func TestRequestRefund(t *testing.T) {
	f := newFixture(t)
	f.seed(model.BookingConfirmed)
	ctx := context.Background()

	_, err := f.svc.RequestRefund(ctx, bookingID, "U2")
	assert.Equal(t, "booking_not_found", code(err))

	b, err := f.svc.RequestRefund(ctx, bookingID, "U1")
	require.NoError(t, err)
	assert.Equal(t, model.BookingRefunded, b.Status)
	assert.Equal(t, []string{events.BookingRefunded, events.SeatUnlocked, events.BookingRefundIssued}, f.bus.Types())
	var refund events.RefundIssuedPayload
	require.True(t, f.bus.Decode(events.BookingRefundIssued, 0, &refund))
	assert.Equal(t, events.ReasonRefund, refund.Reason)
	assert.Equal(t, int64(2500), refund.Amount)

	f.bus.Reset()
	b, err = f.svc.RequestRefund(ctx, bookingID, "U1")
	require.NoError(t, err)
	assert.Equal(t, model.BookingRefunded, b.Status)
	assert.Empty(t, f.bus.Types())
}

func TestRequestRefundRejectsPendingBooking(t *testing.T) {
	f := newFixture(t)
	f.seed(model.BookingPending)

	_, err := f.svc.RequestRefund(context.Background(), bookingID, "U1")
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Equal(t, "not_refundable", code(err))
	assert.Empty(t, f.bus.Types())
}

func TestGetBookingIsOwnerOnly(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(model.BookingPending)

	b, err := f.svc.GetBooking(context.Background(), bookingID, "U1")
	require.NoError(t, err)
	assert.Equal(t, seeded, b)

	_, err = f.svc.GetBooking(context.Background(), bookingID, "U2")
	assert.True(t, apperr.Is(err, apperr.NotFound))
	_, err = f.svc.GetBooking(context.Background(), "missing", "U1")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestShowtimeSuspendedCancelsAndRefunds(t *testing.T) {
	f := newFixture(t)
	f.seed(model.BookingConfirmed)
	const pendingID = "5d5b0c9e-2f1f-4c77-8d3b-7f0e4cf2e0a1"
	f.bookings.put(model.Booking{ID: pendingID, UserID: "U3", ShowtimeID: showtimeID, SeatIDs: []string{"S3"}, Status: model.BookingPending})

	p := events.ShowtimeSuspendedPayload{ShowtimeID: showtimeID, AffectedBookingIDs: []string{bookingID, pendingID, "missing"}}
	require.NoError(t, f.svc.OnShowtimeSuspended(context.Background(), p))

	assert.Equal(t, model.BookingRefunded, f.bookings.get(bookingID).Status)
	assert.Equal(t, model.BookingCancelled, f.bookings.get(pendingID).Status)

	var unlocked events.SeatUnlockedPayload
	for i := 0; f.bus.Decode(events.SeatUnlocked, i, &unlocked); i++ {
		assert.Equal(t, events.ReasonShowtimeSuspended, unlocked.Reason)
	}
	var refund events.RefundIssuedPayload
	require.True(t, f.bus.Decode(events.BookingRefundIssued, 0, &refund))
	assert.Equal(t, events.ReasonShowtimeSuspended, refund.Reason)
	assert.False(t, f.bus.Decode(events.BookingRefundIssued, 1, &refund))

	f.bus.Reset()
	require.NoError(t, f.svc.OnShowtimeSuspended(context.Background(), p))
	assert.Empty(t, f.bus.Types())
}

func TestExpirePending(t *testing.T) {
	f := newFixture(t)
	b := f.seed(model.BookingPending)
	b.ExpiresAt = time.Now().Add(-time.Minute)
	f.bookings.put(b)
	const freshID = "5d5b0c9e-2f1f-4c77-8d3b-7f0e4cf2e0a1"
	f.bookings.put(model.Booking{ID: freshID, UserID: "U3", ShowtimeID: showtimeID, SeatIDs: []string{"S3"}, Status: model.BookingPending, ExpiresAt: time.Now().Add(time.Minute)})

	n, err := f.svc.ExpirePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.BookingExpired, f.bookings.get(bookingID).Status)
	assert.Equal(t, model.BookingPending, f.bookings.get(freshID).Status)

	var unlocked events.SeatUnlockedPayload
	require.True(t, f.bus.Decode(events.SeatUnlocked, 0, &unlocked))
	assert.Equal(t, events.ReasonHoldExpired, unlocked.Reason)
}

func TestHandlers(t *testing.T) {
	f := newFixture(t)
	f.seed(model.BookingPending)
	ctx := context.Background()

	bad, err := events.New(events.PaymentSucceeded, map[string]any{"bookingId": bookingID})
	require.NoError(t, err)
	assert.Equal(t, "drop", f.svc.handlePaymentSucceeded(ctx, bad).String())
	assert.Equal(t, model.BookingPending, f.bookings.get(bookingID).Status)

	good, err := events.New(events.PaymentFailed, events.SettlementPayload{PaymentID: "P1", BookingID: bookingID})
	require.NoError(t, err)
	assert.Equal(t, "ok", f.svc.handlePaymentFailed(ctx, good).String())
	assert.Equal(t, model.BookingCancelled, f.bookings.get(bookingID).Status)

	f.bus.Err = errors.New("broker down")
	f.seed(model.BookingPending)
	assert.Equal(t, "retry", f.svc.handlePaymentFailed(ctx, good).String())

	susp, err := events.New(events.ShowtimeSuspended, events.ShowtimeSuspendedPayload{})
	require.NoError(t, err)
	assert.Equal(t, "drop", f.svc.handleShowtimeSuspended(ctx, susp).String())
}
