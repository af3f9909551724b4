package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/metrics"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/internal/store"
	"github.com/RezaEskandarii/hpcfire/internal/submission"
	"github.com/RezaEskandarii/hpcfire/types"
)

const (
	maxCancelAttempts = 5
	defaultListLimit  = 1000
	anonymousRateKey  = "anonymous"
)

// Session is the identity a connection authenticated with AUTH. Requests
// without credentials of their own fall back to it. Remote is the peer host
// and keys the rate limit of unauthenticated callers.
type Session struct {
	Remote string

	mu     sync.Mutex
	client string
}

func NewSession(remote string) *Session {
	return &Session{Remote: remote}
}

func (s *Session) Client() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) set(client string) {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
}

// Service turns gateway requests into store operations. It does not know
// about transports.
type Service struct {
	submitter *submission.Submitter
	store     store.JobStore
	auth      Authenticator
	limiter   RateLimiter
}

type ServiceOption func(*Service)

// WithAuthenticator requires credentials on every request.
func WithAuthenticator(a Authenticator) ServiceOption {
	return func(s *Service) { s.auth = a }
}

// WithRateLimiter bounds submissions per client.
func WithRateLimiter(l RateLimiter) ServiceOption {
	return func(s *Service) { s.limiter = l }
}

func NewService(submitter *submission.Submitter, s store.JobStore, opts ...ServiceOption) *Service {
	svc := &Service{submitter: submitter, store: s}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// HandleFrame decodes a JSON request and encodes its reply, for message
// based transports.
func (s *Service) HandleFrame(ctx context.Context, body []byte) []byte {
	var req Request
	var resp Response
	if err := json.Unmarshal(body, &req); err != nil {
		resp = errorResponse("", KindBadRequest, "malformed request: "+err.Error())
	} else {
		resp = s.Handle(ctx, req, nil)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(errorResponse(req.ID, KindInternal, "failed to encode reply"))
	}
	return out
}

// Handle answers one request. It never panics and always echoes req.ID.
func (s *Service) Handle(ctx context.Context, req Request, sess *Session) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[GATEWAY] panic handling %s %s: %v", req.Type, req.ID, r)
			resp = errorResponse(req.ID, KindInternal, "internal error")
		}
		resp.ID = req.ID
		result := "ok"
		if resp.Error != nil {
			result = resp.Error.Kind
		}
		metrics.GatewayRequestsTotal.WithLabelValues(string(req.Type), result).Inc()
	}()

	if req.Type == TypeAuth {
		return s.handleAuth(ctx, req, sess)
	}

	client, err := s.authorize(ctx, req, sess)
	if err != nil {
		return fromError(req.ID, err)
	}

	switch req.Type {
	case TypeSubmit:
		return s.handleSubmit(ctx, req, client, sess)
	case TypeQuery:
		return s.handleQuery(ctx, req)
	case TypeCancel:
		return s.handleCancel(ctx, req, client)
	case TypeList:
		return s.handleList(ctx, req)
	}
	return errorResponse(req.ID, KindBadRequest, fmt.Sprintf("unknown request type %q", req.Type))
}

func (s *Service) handleAuth(ctx context.Context, req Request, sess *Session) Response {
	if s.auth != nil {
		if err := s.auth.Authenticate(ctx, req.Client, req.Token); err != nil {
			return fromError(req.ID, err)
		}
	}
	if sess != nil {
		sess.set(req.Client)
	}
	return Response{OK: true}
}

// authorize returns the calling client. Credentials on the request win over
// the session.
func (s *Service) authorize(ctx context.Context, req Request, sess *Session) (string, error) {
	if req.Token != "" || s.auth == nil {
		if s.auth != nil {
			if err := s.auth.Authenticate(ctx, req.Client, req.Token); err != nil {
				return "", err
			}
		}
		if req.Client != "" {
			return req.Client, nil
		}
		return sess.Client(), nil
	}
	if client := sess.Client(); client != "" {
		return client, nil
	}
	return "", custom_errors.ErrUnauthorized
}

// rateKey is the authenticated client name. Without authentication the
// declared name is not trusted, so callers are keyed by peer host, and
// callers without one share a single window.
func (s *Service) rateKey(client string, sess *Session) string {
	if s.auth != nil {
		return client
	}
	if sess != nil && sess.Remote != "" {
		return "remote:" + sess.Remote
	}
	return anonymousRateKey
}

func (s *Service) handleSubmit(ctx context.Context, req Request, client string, sess *Session) Response {
	specs := req.JobSpecs
	if req.JobSpec != nil {
		specs = append([]types.JobSpec{*req.JobSpec}, specs...)
	}
	if len(specs) == 0 {
		return errorResponse(req.ID, KindValidation, "no job spec in request")
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, s.rateKey(client, sess), len(specs))
		if err != nil {
			log.Printf("[GATEWAY] rate limiter unavailable: %v", err)
			return errorResponse(req.ID, KindInternal, "rate limiter unavailable")
		}
		if !allowed {
			return fromError(req.ID, custom_errors.ErrRateLimited)
		}
	}

	ids, err := s.submitter.Submit(ctx, specs...)
	if err != nil {
		return fromError(req.ID, err)
	}
	metrics.JobsSubmittedTotal.Add(float64(len(ids)))
	return Response{OK: true, JobID: ids[0], JobIDs: ids, State: state.StateCreated}
}

func (s *Service) handleQuery(ctx context.Context, req Request) Response {
	if req.JobID == "" {
		return errorResponse(req.ID, KindValidation, "job_id is required")
	}
	job, err := s.store.Get(ctx, req.JobID)
	if err != nil {
		return fromError(req.ID, err)
	}
	return jobResponse(job)
}

func (s *Service) handleCancel(ctx context.Context, req Request, client string) Response {
	if req.JobID == "" {
		return errorResponse(req.ID, KindValidation, "job_id is required")
	}
	job, err := s.cancel(ctx, req.JobID, client)
	if err != nil {
		return fromError(req.ID, err)
	}
	return jobResponse(job)
}

// cancel moves the job to CANCELLED from whatever non-terminal state it is
// in. A job already terminal is returned unchanged.
func (s *Service) cancel(ctx context.Context, jobID, client string) (*types.Job, error) {
	message := "cancelled"
	if client != "" {
		message = "cancelled by " + client
	}
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		job, err := s.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.State.IsTerminal() {
			if job.CanRetry() {
				log.Printf("[GATEWAY] job %s failed and will be retried, cancel has no effect", job.ShortID())
			}
			return job, nil
		}
		updated, err := s.store.Transition(ctx, jobID, job.State, state.StateCancelled, types.TransitionFields{
			ExpectedVersion: job.Version,
			Message:         message,
		})
		if err == nil {
			log.Printf("[GATEWAY] job %s cancelled from %s", job.ShortID(), job.State)
			return updated, nil
		}
		if !errors.Is(err, custom_errors.ErrConflict) {
			return nil, err
		}
		metrics.TransitionConflictsTotal.Inc()
	}
	return nil, fmt.Errorf("job %s kept changing while cancelling", jobID)
}

func (s *Service) handleList(ctx context.Context, req Request) Response {
	filter := types.JobFilter{}
	if req.Filter != nil {
		filter = *req.Filter
	}
	for _, st := range filter.States {
		if !st.IsValid() {
			return errorResponse(req.ID, KindValidation, fmt.Sprintf("unknown state %q", st))
		}
	}
	if filter.Limit <= 0 || filter.Limit > defaultListLimit {
		filter.Limit = defaultListLimit
	}

	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return fromError(req.ID, err)
	}
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	return Response{OK: true, JobIDs: ids}
}

func jobResponse(job *types.Job) Response {
	resp := Response{
		OK:          true,
		JobID:       job.ID,
		State:       job.State,
		ExitStatus:  job.ExitStatus,
		RetryCount:  job.RetryCount,
		ErrorDetail: job.ErrorDetail,
		WillRetry:   job.CanRetry(),
	}
	if job.State == state.StateFailed {
		resp.Reason = strings.SplitN(job.ErrorDetail, "\n", 2)[0]
	}
	return resp
}

// fromError maps an error to its reply kind. Conflicts never reach a client
// as such; the gateway retries them and reports anything left as internal.
func fromError(id string, err error) Response {
	if verr, ok := custom_errors.AsValidationError(err); ok {
		return errorResponse(id, KindValidation, "invalid submission", verr.Messages()...)
	}
	switch {
	case errors.Is(err, custom_errors.ErrNotFound):
		return errorResponse(id, KindNotFound, err.Error())
	case errors.Is(err, custom_errors.ErrRateLimited):
		return errorResponse(id, KindRateLimited, err.Error())
	case errors.Is(err, custom_errors.ErrUnauthorized):
		return errorResponse(id, KindUnauthorized, err.Error())
	}
	log.Printf("[GATEWAY] request %s failed: %v", id, err)
	return errorResponse(id, KindInternal, "internal error")
}
