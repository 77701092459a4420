package settlement

import "github.com/iliyamo/cinema-seat-saga/internal/model"

// Transition returns the status a transaction in from moves to when the
// provider reports outcome, and whether it moves at all.  Only a PENDING
// transaction can settle, and only to a terminal outcome.
func Transition(from, outcome model.PaymentStatus) (model.PaymentStatus, bool) {
	if from != model.PaymentPending || !outcome.Terminal() {
		return from, false
	}
	return outcome, true
}
