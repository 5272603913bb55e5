// Package journal records what a run of the aa tool did on each chain so that partial
// progress is visible after the fact. Nothing is rolled back: a run that fails on its
// second chain leaves the first chain's confirmed entry in place.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

type Kind string

const (
	Kind_Batch         Kind = "batch"
	Kind_UserOperation Kind = "userOperation"
	Kind_Authorization Kind = "authorization"
)

const (
	Status_Submitted = "submitted"
	Status_Confirmed = "confirmed"
	Status_Failed    = "failed"
)

// ErrClosed is returned by every journal once Close has been called.
var ErrClosed = errors.New("journal is closed")

// Entry is one step of a run on one chain.
type Entry struct {
	RunID   string `json:"runId"`
	Kind    Kind   `json:"kind"`
	ChainID uint64 `json:"chainId"`
	// Reference is the batch id, user operation hash or transaction hash.
	Reference string    `json:"reference"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// IJournal stores entries per run. Implementations must be safe for concurrent use and
// return a run's entries in the order they were recorded.
type IJournal interface {
	// Record appends e to its run. CreatedAt is set when zero.
	Record(ctx context.Context, e *Entry) error

	// List returns the entries of runID, oldest first. An unknown run yields an empty slice.
	List(ctx context.Context, runID string) ([]*Entry, error)

	Close() error
}

// Validate checks the fields every backend relies on.
func (e *Entry) Validate() error {
	if e == nil {
		return fmt.Errorf("cannot record nil entry")
	}
	if e.RunID == "" {
		return fmt.Errorf("entry has no run id")
	}
	switch e.Kind {
	case Kind_Batch, Kind_UserOperation, Kind_Authorization:
	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	return nil
}

// Prepare validates e and stamps CreatedAt.
func Prepare(e *Entry, now func() time.Time) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now().UTC()
	}
	return nil
}

func MarshalEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	return data, nil
}

func UnmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal journal entry: %w", err)
	}
	return &e, nil
}

// Latest returns the most recent entry of runID for chainID, or nil.
func Latest(entries []*Entry, chainID uint64) *Entry {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ChainID == chainID {
			return entries[i]
		}
	}
	return nil
}
