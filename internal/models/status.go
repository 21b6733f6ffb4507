package models

import "fmt"

// DeliveryStatus is the closed set of delivery states shared by outbound
// messages and campaign recipient records
type DeliveryStatus string

// Delivery status constants
const (
	StatusPending   DeliveryStatus = "pending"
	StatusQueued    DeliveryStatus = "queued"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
	StatusSkipped   DeliveryStatus = "skipped"
)

// Terminal states sit above every progress state so nothing downgrades them
const terminalLevel = 99

var statusLevels = map[DeliveryStatus]int{
	StatusPending:   0,
	StatusQueued:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    terminalLevel,
	StatusSkipped:   terminalLevel,
}

// Level returns the position of the status in the delivery hierarchy
func (s DeliveryStatus) Level() int {
	return statusLevels[s]
}

// IsValid reports whether s is a known status
func (s DeliveryStatus) IsValid() bool {
	_, ok := statusLevels[s]
	return ok
}

// IsUnconditional reports whether the status is always writable regardless
// of the current level
func (s DeliveryStatus) IsUnconditional() bool {
	return s == StatusFailed || s == StatusSkipped
}

// IsNotifiable reports whether a provider may report this status in a
// delivery notification
func (s DeliveryStatus) IsNotifiable() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	default:
		return false
	}
}

func (s DeliveryStatus) String() string {
	return string(s)
}

// ParseDeliveryStatus converts a raw status string into a DeliveryStatus,
// rejecting anything outside the known set
func ParseDeliveryStatus(raw string) (DeliveryStatus, error) {
	s := DeliveryStatus(raw)
	if !s.IsValid() {
		return "", ErrInvalidInput(fmt.Sprintf("unknown delivery status: %q", raw))
	}
	return s, nil
}
