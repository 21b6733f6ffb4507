// Package dedup provides the claim store used to make sure a given
// identifier is processed by at most one worker at a time.
package dedup

import (
	"context"
	"time"
)

// Outcome is the result of a claim attempt
type Outcome int

// Claim outcomes
const (
	Claimed Outcome = iota + 1
	AlreadyClaimed
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyClaimed:
		return "already_claimed"
	default:
		return "unknown"
	}
}

// DefaultLease covers worst-case processing time of a single event
const DefaultLease = 15 * time.Minute

// Claim is a time-bounded lease on an identifier. Token identifies the
// holder so only it can release or complete the claim.
type Claim struct {
	ID      string
	Token   string
	Outcome Outcome
}

// Won reports whether the caller holds the claim
func (c Claim) Won() bool {
	return c.Outcome == Claimed
}

// Store atomically claims identifiers. The decision is made by the store,
// never by worker logic: of any number of concurrent TryClaim calls on the
// same id, exactly one returns Claimed.
type Store interface {
	// TryClaim creates the claim if absent, expiring after lease
	TryClaim(ctx context.Context, id string, lease time.Duration) (Claim, error)

	// Complete keeps a won claim alive for retain so late duplicates are
	// still suppressed after processing finished
	Complete(ctx context.Context, claim Claim, retain time.Duration) error

	// Release drops a won claim early so a redelivered copy can be claimed again
	Release(ctx context.Context, claim Claim) error
}
