package provider

import (
	"fmt"

	"github.com/saldanaj97/atlaris-sub003/internal/models"
)

// Error is a classified provider failure. The classification is decided here,
// at the adapter boundary, so downstream code never inspects status codes or
// error shapes.
type Error struct {
	Classification models.Classification
	Status         int
	Message        string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}

func newError(class models.Classification, status int, message string) *Error {
	return &Error{Classification: class, Status: status, Message: message}
}
