// Package store is the document-store boundary for event instances and user
// profiles.
//
// Documents are JSON objects addressed by (collection, id). Processors read
// through range queries and batched gets, and write only through Commit,
// which applies a Batch of field-level updates atomically:
//   - every update in a batch becomes visible together, or none does
//   - an update addressed to a missing document fails the whole batch
//   - dotted field paths ("attendanceHistory.g1") touch only that key
//   - preconditions are checked against the stored documents inside the
//     same transaction; one that no longer holds fails the whole batch
//
// Three backends share these semantics: SQLite (NewSQLite), bbolt
// (NewBolt) and an in-memory fake for tests (NewMemory).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fairplay/internal/model"
)

// ErrNotFound is returned when a document addressed by id does not exist.
var ErrNotFound = errors.New("store: document not found")

// ErrPrecondition is returned by Commit when a staged precondition no longer
// holds, typically because another writer got there first.
var ErrPrecondition = errors.New("store: precondition failed")

// Store is implemented by every backend.
type Store interface {
	// QueryInstances returns instances whose timestamp field lies in the
	// inclusive range [from, to], ordered by that field then id. Instances
	// without the field are never returned.
	QueryInstances(ctx context.Context, field string, from, to time.Time) ([]model.EventInstance, error)
	// GetInstance returns ErrNotFound for an unknown id.
	GetInstance(ctx context.Context, id string) (*model.EventInstance, error)
	// GetUsers reads many profiles in one round trip. Unknown ids are absent
	// from the result.
	GetUsers(ctx context.Context, uids []string) (map[string]*model.UserProfile, error)

	// PutInstance and PutUser write whole documents. They exist for seeding
	// and tests; the batch processors only use Commit.
	PutInstance(ctx context.Context, inst *model.EventInstance) error
	PutUser(ctx context.Context, user *model.UserProfile) error

	// Commit applies all staged updates atomically.
	Commit(ctx context.Context, b *Batch) error

	Close() error
}

// Update is one staged field-level write.
type Update struct {
	Collection string
	ID         string
	Fields     map[string]any
}

// Precondition requires a document field to hold Want when the batch
// commits. An absent field matches the zero value of Want (false, 0, "",
// nil).
type Precondition struct {
	Collection string
	ID         string
	Field      string
	Want       any
}

// Batch collects updates for a single atomic Commit.
type Batch struct {
	updates []Update
	require []Precondition
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Update stages a write of fields to the document (collection, id).
func (b *Batch) Update(collection, id string, fields map[string]any) {
	b.updates = append(b.updates, Update{Collection: collection, ID: id, Fields: fields})
}

// Require adds a precondition on (collection, id). Preconditions alone do
// not make a batch non-empty.
func (b *Batch) Require(collection, id, field string, want any) {
	b.require = append(b.require, Precondition{Collection: collection, ID: id, Field: field, Want: want})
}

// Preconditions returns the staged preconditions in staging order.
func (b *Batch) Preconditions() []Precondition {
	if b == nil {
		return nil
	}
	return b.require
}

// Len reports how many updates are staged.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.updates)
}

// Updates returns the staged updates in staging order.
func (b *Batch) Updates() []Update {
	if b == nil {
		return nil
	}
	return b.updates
}

func checkQueryField(field string) error {
	switch field {
	case model.FieldListRevealDateTime, model.FieldEventStartDateTime:
		return nil
	default:
		return fmt.Errorf("store: unsupported query field %q", field)
	}
}

func checkCollection(c string) error {
	switch c {
	case model.CollectionInstances, model.CollectionUsers:
		return nil
	default:
		return fmt.Errorf("store: unknown collection %q", c)
	}
}

func notFound(collection, id string) error {
	return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
}
