package distrib

import "time"

// Request parameters understood by nodes receiving distributed updates.
const (
	// ParamDistribUpdate says where an update comes from: ToLeader or FromLeader.
	ParamDistribUpdate = "update.distrib"
	// ParamDistribFrom is the core URL of the sender.
	ParamDistribFrom = "distrib.from"

	ToLeader   = "TOLEADER"
	FromLeader = "FROMLEADER"
)

// Document is a single indexed document. The "id" field identifies it.
type Document map[string]any

// ID returns the document id, or "" when it has none.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// AddDoc adds or replaces one document.
type AddDoc struct {
	Doc            Document `json:"doc"`
	Version        int64    `json:"version,omitempty"`
	Overwrite      bool     `json:"overwrite"`
	CommitWithinMs int64    `json:"commit_within_ms,omitempty"`
}

// DeleteByID removes one document.
type DeleteByID struct {
	ID      string `json:"id"`
	Version int64  `json:"version,omitempty"`
}

// CommitOptions asks the receiving core to make pending changes visible.
type CommitOptions struct {
	SoftCommit   bool `json:"soft_commit,omitempty"`
	WaitSearcher bool `json:"wait_searcher,omitempty"`
	Optimize     bool `json:"optimize,omitempty"`
}

// UpdateRequest is the body POSTed to <core url>/update.
type UpdateRequest struct {
	ID            string            `json:"id"`
	Collection    string            `json:"collection,omitempty"`
	Shard         string            `json:"shard,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	Adds          []AddDoc          `json:"adds,omitempty"`
	Deletes       []DeleteByID      `json:"deletes,omitempty"`
	DeleteQueries []string          `json:"delete_queries,omitempty"`
	Commit        *CommitOptions    `json:"commit,omitempty"`
}

// IsDeleteByQuery reports whether the request carries a delete-by-query.
func (r *UpdateRequest) IsDeleteByQuery() bool { return len(r.DeleteQueries) > 0 }

// Param returns a request parameter or "".
func (r *UpdateRequest) Param(key string) string { return r.Params[key] }

// ResponseHeader is the header of every update reply. RF, when present, is
// the replication factor the responding leader achieved.
type ResponseHeader struct {
	Status int  `json:"status"`
	RF     *int `json:"rf,omitempty"`
}

// UpdateResponse is the reply to an UpdateRequest.
type UpdateResponse struct {
	ResponseHeader ResponseHeader `json:"responseHeader"`
	Errors         []string       `json:"errors,omitempty"`
}

// AchievedRF returns the replication factor reported in the reply.
func (r *UpdateResponse) AchievedRF() (int, bool) {
	if r == nil || r.ResponseHeader.RF == nil {
		return 0, false
	}
	return *r.ResponseHeader.RF, true
}

// AddCommand is a document add as seen by the distributor.
type AddCommand struct {
	Doc          Document
	Version      int64
	Overwrite    bool
	CommitWithin time.Duration
}

// DeleteCommand is a delete by ID or, when Query is set, by query.
type DeleteCommand struct {
	ID      string
	Version int64
	Query   string
}

// IsDeleteByID reports whether the command names a single document.
func (c DeleteCommand) IsDeleteByID() bool { return c.Query == "" }

// CommitCommand is a commit as seen by the distributor.
type CommitCommand = CommitOptions
