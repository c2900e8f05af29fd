package jetstream

import (
	"github.com/goccy/go-json"
)

// Event is one inbound frame from the firehose subscription. Unknown kinds
// decode cleanly and are ignored by consumers, but their time_us still
// advances the cursor.
type Event struct {
	Did    string  `json:"did"`
	TimeUS int64   `json:"time_us"`
	Kind   string  `json:"kind"`
	Commit *Commit `json:"commit,omitempty"`
}

type Commit struct {
	Rev        string          `json:"rev,omitempty"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection,omitempty"`
	RKey       string          `json:"rkey,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`
}

var (
	EventKindCommit   = "commit"
	EventKindIdentity = "identity"
	EventKindAccount  = "account"

	CommitOperationCreate = "create"
	CommitOperationUpdate = "update"
	CommitOperationDelete = "delete"
)
