package internal

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTLoad    QueryType = iota // Retrieve a record by key.
	QueryTGetInfo                  // Retrieve metadata about the state machine.
)

func (q QueryType) String() string {
	switch q {
	case QueryTLoad:
		return "Load"
	case QueryTGetInfo:
		return "GetInfo"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type QueryType // The type of Query to perform.
	Key  string    // The key for the Query (empty for GetInfo).
}

// QueryResult is the result of a QueryTLoad operation.
type QueryResult struct {
	Ok    bool
	Value []byte
	ETag  string
}
