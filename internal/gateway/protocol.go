package gateway

import (
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/types"
)

type RequestType string

const (
	TypeAuth   RequestType = "AUTH"
	TypeSubmit RequestType = "SUBMIT"
	TypeQuery  RequestType = "QUERY"
	TypeCancel RequestType = "CANCEL"
	TypeList   RequestType = "LIST"
)

// Error kinds carried in replies.
const (
	KindValidation   = "validation"
	KindNotFound     = "not_found"
	KindRateLimited  = "rate_limited"
	KindUnauthorized = "unauthorized"
	KindBadRequest   = "bad_request"
	KindInternal     = "internal"
)

// Request is one client message. ID is chosen by the client and echoed in
// the reply so pipelined requests can be matched.
type Request struct {
	ID     string      `json:"id"`
	Type   RequestType `json:"type"`
	Client string      `json:"client,omitempty"`
	Token  string      `json:"token,omitempty"`

	JobSpec  *types.JobSpec   `json:"job_spec,omitempty"`
	JobSpecs []types.JobSpec  `json:"job_specs,omitempty"`
	JobID    string           `json:"job_id,omitempty"`
	Filter   *types.JobFilter `json:"filter,omitempty"`
}

type ErrorBody struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

type Response struct {
	ID    string     `json:"id"`
	OK    bool       `json:"ok"`
	Error *ErrorBody `json:"error,omitempty"`

	JobID       string         `json:"job_id,omitempty"`
	JobIDs      []string       `json:"job_ids,omitempty"`
	State       state.JobState `json:"state,omitempty"`
	ExitStatus  *int           `json:"exit_status,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RetryCount  int            `json:"retry_count,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	// WillRetry is set on a FAILED job the supervisor is going to re-queue.
	// Such a job cannot be cancelled.
	WillRetry bool `json:"will_retry,omitempty"`
}

func errorResponse(id, kind, message string, details ...string) Response {
	return Response{ID: id, Error: &ErrorBody{Kind: kind, Message: message, Details: details}}
}
