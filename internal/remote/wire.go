package remote

import "encoding/json"

// ChangeOperation is the kind of change sent to the server of record.
type ChangeOperation string

const (
	OperationUpsert ChangeOperation = "upsert"
	OperationDelete ChangeOperation = "delete"
)

// Change carries one row's current state, or a deletion notice, to the server.
type Change struct {
	ChangeID  string          `json:"change_id"`
	Table     string          `json:"table"`
	RowID     json.RawMessage `json:"row_id"`
	Operation ChangeOperation `json:"operation"`
	ChangedAt string          `json:"changed_at"`
	Row       json.RawMessage `json:"row,omitempty"`
}

// MaxPushBatch is the most changes the server accepts in one push request.
const MaxPushBatch = 1000

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Changes []Change `json:"changes"`
}

// ResultStatus is the server's verdict on one change.
type ResultStatus string

const (
	// StatusApplied means the change was stored.
	StatusApplied ResultStatus = "applied"
	// StatusStale means the server already holds a newer write for the row.
	StatusStale ResultStatus = "stale"
	// StatusDuplicate means the change id was already applied.
	StatusDuplicate ResultStatus = "duplicate"
	// StatusMissingParent means a referenced row is not known to the server yet.
	StatusMissingParent ResultStatus = "missing_parent"
	// StatusForbidden means the row belongs to another principal or to the catalog.
	StatusForbidden ResultStatus = "forbidden"
	// StatusInvalid means the change does not match the table's shape.
	StatusInvalid ResultStatus = "invalid"
)

// Delivered reports whether the status is terminal success for the sender.
func (s ResultStatus) Delivered() bool {
	switch s {
	case StatusApplied, StatusStale, StatusDuplicate:
		return true
	default:
		return false
	}
}

// ChangeResult reports the outcome for one change id.
type ChangeResult struct {
	ChangeID  string       `json:"change_id"`
	Status    ResultStatus `json:"status"`
	ServerSeq int64        `json:"server_seq,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// PushResponse is the body returned by POST /sync/push.
type PushResponse struct {
	Results []ChangeResult `json:"results"`
}

// WatermarkResponse is the body returned by GET /sync/watermark.
type WatermarkResponse struct {
	ServerSeq int64 `json:"server_seq"`
}

// ChangesQuery selects rows of one table with Since < server_seq <= Until.
type ChangesQuery struct {
	Table string
	Since int64
	Until int64
	Limit int
}

// RemoteRow is one row version held by the server. Deleted rows carry no payload.
type RemoteRow struct {
	RowID     json.RawMessage `json:"row_id"`
	Row       json.RawMessage `json:"row,omitempty"`
	Deleted   bool            `json:"deleted"`
	ServerSeq int64           `json:"server_seq"`
	ChangedAt string          `json:"changed_at"`
}

// ChangesResponse is the body returned by GET /sync/tables/:table/changes.
type ChangesResponse struct {
	Table   string      `json:"table"`
	Rows    []RemoteRow `json:"rows"`
	HasMore bool        `json:"has_more"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
