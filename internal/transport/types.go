// Package transport defines the channel sender contract and owns the live
// senders built from config.
package transport

import (
	"context"
	"time"

	"courier/internal/format"
)

// Outcome classifies one block send.
type Outcome string

const (
	// OutcomeSuccess means the remote accepted the block.
	OutcomeSuccess Outcome = "success"
	// OutcomeTransient covers timeouts, rate limits and other failures worth
	// retrying on the backup channel.
	OutcomeTransient Outcome = "transient_failure"
	// OutcomePermanent covers malformed payloads, bad recipients and missing
	// credentials; retrying within the cycle cannot help.
	OutcomePermanent Outcome = "permanent_failure"
)

// Attempt is the result of pushing one block to one channel.
type Attempt struct {
	Channel    string
	BlockIndex int
	StartedAt  time.Time
	Duration   time.Duration
	Outcome    Outcome
	Err        error
}

func (a Attempt) Success() bool { return a.Outcome == OutcomeSuccess }

// ErrorDetail renders Err for persistence.
func (a Attempt) ErrorDetail() string {
	if a.Err == nil {
		return ""
	}
	return a.Err.Error()
}

// Sender pushes one formatted block to a delivery channel. Implementations
// classify their own failures: Send reports everything through the Attempt,
// never by panicking, and credential absence is a permanent failure rather
// than a construction error.
type Sender interface {
	Name() string
	Send(ctx context.Context, block format.Block) Attempt
}
