package domain

import "errors"

// ErrUnprocessable marks an event that can never succeed no matter how often
// it is redelivered: malformed payloads, references to entities that do not
// exist. Consumers log it and commit past the record instead of retrying.
var ErrUnprocessable = errors.New("unprocessable event")

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrProductNotFound  = errors.New("product not found")
)

// Unprocessable reports whether err should be dropped rather than retried.
func Unprocessable(err error) bool {
	return errors.Is(err, ErrUnprocessable) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrProductNotFound)
}
