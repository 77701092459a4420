package events

// Exchanges.  Every producer and consumer must use these names verbatim.
const (
	BookingExchange  = "booking.exchange"
	PaymentExchange  = "payment.exchange"
	ShowtimeExchange = "showtime.exchange"
)

// Routing keys, which double as the envelope type.
const (
	BookingCreated      = "booking.created"
	BookingSeatMapped   = "booking.seat.mapped"
	BookingConfirmed    = "booking.confirmed"
	BookingCancelled    = "booking.cancelled"
	BookingExpired      = "booking.expired"
	BookingRefunded     = "booking.refunded"
	BookingFinalized    = "booking.finalized"
	BookingRefundIssued = "booking.refund.issued"
	PaymentSucceeded    = "payment.booking.success"
	PaymentFailed       = "payment.booking.failed"
	SeatUnlocked        = "seat.unlocked"
	ShowtimeSuspended   = "showtime.suspended"
	SeatLockExpired     = "seat.lock.expired"
)

// Route pairs an exchange with a routing key.
type Route struct {
	Exchange   string
	RoutingKey string
}

// routes is the fixed routing table.
var routes = map[string]string{
	BookingCreated:      BookingExchange,
	BookingSeatMapped:   BookingExchange,
	BookingConfirmed:    BookingExchange,
	BookingCancelled:    BookingExchange,
	BookingExpired:      BookingExchange,
	BookingRefunded:     BookingExchange,
	BookingFinalized:    BookingExchange,
	BookingRefundIssued: BookingExchange,
	PaymentSucceeded:    PaymentExchange,
	PaymentFailed:       PaymentExchange,
	SeatUnlocked:        ShowtimeExchange,
	ShowtimeSuspended:   ShowtimeExchange,
	SeatLockExpired:     ShowtimeExchange,
}

// RouteOf returns the route for an event type.  Unknown types report false
// so a typo can never be published to an exchange nobody binds.
func RouteOf(eventType string) (Route, bool) {
	ex, ok := routes[eventType]
	if !ok {
		return Route{}, false
	}
	return Route{Exchange: ex, RoutingKey: eventType}, true
}

// Exchanges lists every exchange in the table, for declaration at startup.
func Exchanges() []string {
	return []string{BookingExchange, PaymentExchange, ShowtimeExchange}
}

// Unlock reasons carried by seat.unlocked.
const (
	ReasonPaymentFailed     = "payment_failed"
	ReasonHoldExpired       = "hold_expired"
	ReasonRefund            = "refund"
	ReasonShowtimeSuspended = "showtime_suspended"
	ReasonUserReleased      = "user_released"
	ReasonBookingReleased   = "booking_released"
	ReasonLatePayment       = "late_payment"
)
