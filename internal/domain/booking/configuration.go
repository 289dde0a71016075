package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LicenseCategory is the driving license class the test is for (e.g. "B").
type LicenseCategory string

// DateWindow bounds the dates a user is willing to take the test on.
type DateWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window, inclusive on both ends.
func (w DateWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// Configuration describes what a user wants booked. It is owned by the user
// and never changes once a run has started for it.
type Configuration struct {
	ID              uuid.UUID       `json:"id"`
	Owner           string          `json:"owner"`
	TestCenter      string          `json:"test_center"`
	Window          DateWindow      `json:"window"`
	LicenseCategory LicenseCategory `json:"license_category"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewConfiguration builds a Configuration with a fresh identifier.
func NewConfiguration(owner, testCenter string, window DateWindow, category LicenseCategory) Configuration {
	return Configuration{
		ID:              uuid.New(),
		Owner:           owner,
		TestCenter:      testCenter,
		Window:          window,
		LicenseCategory: category,
		CreatedAt:       time.Now().UTC(),
	}
}

// ErrInvalidConfiguration is wrapped by every configuration validation error.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Validate rejects configurations that can never produce a booking.
func (c Configuration) Validate() error {
	switch {
	case c.ID == uuid.Nil:
		return fmt.Errorf("%w: missing id", ErrInvalidConfiguration)
	case c.Owner == "":
		return fmt.Errorf("%w: missing owner", ErrInvalidConfiguration)
	case c.TestCenter == "":
		return fmt.Errorf("%w: missing test center", ErrInvalidConfiguration)
	case c.LicenseCategory == "":
		return fmt.Errorf("%w: missing license category", ErrInvalidConfiguration)
	case c.Window.From.IsZero() || c.Window.To.IsZero():
		return fmt.Errorf("%w: date window must be bounded", ErrInvalidConfiguration)
	case c.Window.To.Before(c.Window.From):
		return fmt.Errorf("%w: date window ends before it starts", ErrInvalidConfiguration)
	}
	return nil
}
