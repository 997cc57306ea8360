package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// IndexResult is the outcome of one variant for one cycle
type IndexResult struct {
	Variant      Variant                `json:"variant"`
	Value        decimal.Decimal        `json:"value"`
	Source       Source                 `json:"source"`
	Timestamp    time.Time              `json:"timestamp"`
	Contributors []WeightedContribution `json:"contributors,omitempty"`
	Flagged      bool                   `json:"flagged,omitempty"`
}

// ContributingCount returns the number of providers behind the value
func (r IndexResult) ContributingCount() int {
	return len(r.Contributors)
}

// GuardState is the lifecycle state of a variant within a cycle
type GuardState string

const (
	StatePending        GuardState = "pending"
	StateCalculated     GuardState = "calculated"
	StateRejected       GuardState = "rejected"
	StateCarriedForward GuardState = "carried_forward"
	StatePublished      GuardState = "published"
)

// Terminal reports whether a history entry may be written in this state
func (s GuardState) Terminal() bool {
	return s == StatePublished || s == StateCarriedForward
}

// HistoryEntry is one immutable record of a variant's terminal state
type HistoryEntry struct {
	ID           string                 `json:"id"`
	Sequence     int64                  `json:"sequence"`
	CycleID      string                 `json:"cycle_id"`
	Attempt      int                    `json:"attempt"`
	Variant      Variant                `json:"variant"`
	State        GuardState             `json:"state"`
	Value        decimal.Decimal        `json:"value"`
	Source       Source                 `json:"source"`
	Calculated   *decimal.Decimal       `json:"calculated,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Flagged      bool                   `json:"flagged,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Contributors []WeightedContribution `json:"contributors,omitempty"`
	ContentHash  string                 `json:"content_hash"`
}

// hashView is the canonical encoding hashed by Seal. Sequence is assigned by
// the store and excluded.
type hashView struct {
	ID           string                 `json:"id"`
	CycleID      string                 `json:"cycle_id"`
	Attempt      int                    `json:"attempt"`
	Variant      Variant                `json:"variant"`
	State        GuardState             `json:"state"`
	Value        string                 `json:"value"`
	Source       Source                 `json:"source"`
	Calculated   string                 `json:"calculated"`
	Reason       string                 `json:"reason"`
	Flagged      bool                   `json:"flagged"`
	Timestamp    string                 `json:"timestamp"`
	Contributors []WeightedContribution `json:"contributors"`
}

func (e *HistoryEntry) computeHash() (string, error) {
	view := hashView{
		ID:           e.ID,
		CycleID:      e.CycleID,
		Attempt:      e.Attempt,
		Variant:      e.Variant,
		State:        e.State,
		Value:        e.Value.String(),
		Source:       e.Source,
		Reason:       e.Reason,
		Flagged:      e.Flagged,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Contributors: e.Contributors,
	}
	if e.Calculated != nil {
		view.Calculated = e.Calculated.String()
	}
	data, err := json.Marshal(view)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal validates the entry and stamps its content hash
func (e *HistoryEntry) Seal() error {
	if e.ID == "" {
		return fmt.Errorf("history entry has no id")
	}
	if !e.State.Terminal() {
		return fmt.Errorf("history entry %s in non-terminal state %s", e.ID, e.State)
	}
	if e.Source == "" {
		return fmt.Errorf("history entry %s has no source", e.ID)
	}
	if !e.Value.IsPositive() {
		return fmt.Errorf("history entry %s has non-positive value %s", e.ID, e.Value)
	}
	h, err := e.computeHash()
	if err != nil {
		return err
	}
	e.ContentHash = h
	return nil
}

// VerifyHash reports whether the stored hash matches the content
func (e *HistoryEntry) VerifyHash() bool {
	if e.ContentHash == "" {
		return false
	}
	h, err := e.computeHash()
	return err == nil && h == e.ContentHash
}
