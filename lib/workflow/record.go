package workflow

import (
	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/google/uuid"
)

// StoredUpdate is a property update in encoded form. Before and After hold the
// codec encoding of the property values.
type StoredUpdate struct {
	Type     string       `json:"type" msgpack:"type"`
	Property string       `json:"property" msgpack:"property"`
	Op       index.OpType `json:"op" msgpack:"op"`
	Before   []byte       `json:"before,omitempty" msgpack:"before,omitempty"`
	After    []byte       `json:"after,omitempty" msgpack:"after,omitempty"`
}

// Record is a workflow an actor has started: index updates that are not yet
// confirmed by every affected bucket.
type Record struct {
	ID      uuid.UUID      `json:"id" msgpack:"id"`
	Updates []StoredUpdate `json:"updates" msgpack:"updates"`
}

// NewRecord creates a record with a fresh random id.
func NewRecord(updates []StoredUpdate) Record {
	return Record{ID: uuid.New(), Updates: updates}
}

// IDSet is a set of workflow ids.
type IDSet map[uuid.UUID]struct{}

func (s IDSet) Has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}
