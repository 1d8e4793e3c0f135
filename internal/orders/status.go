package orders

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInPayment  Status = "in_payment"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
	StatusFailed     Status = "failed"
)

var validNext = map[Status]map[Status]bool{
	StatusPending: {
		StatusInPayment: true, StatusInProgress: true, StatusCompleted: true,
		StatusCanceled: true, StatusFailed: true,
	},
	StatusInPayment: {
		StatusPending: true, StatusInProgress: true, StatusCompleted: true,
		StatusCanceled: true, StatusFailed: true,
	},
	StatusInProgress: {StatusCompleted: true, StatusCanceled: true, StatusFailed: true},
	StatusCompleted:  {},
	StatusCanceled:   {},
	StatusFailed:     {},
}

// ParseStatus accepts only the six defined values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validNext[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

// ReleasesStock reports whether entering s returns reserved items to the ledger.
func (s Status) ReleasesStock() bool {
	return s == StatusCanceled || s == StatusFailed
}
