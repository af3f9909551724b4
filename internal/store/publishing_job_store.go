package store

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/types"
)

// EventPublisher is the part of a message broker the store needs.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, message []byte) error
}

// EventMessage is the body published for every committed transition.
type EventMessage struct {
	types.Event
	Job types.Job `json:"job"`
}

// PublishingJobStore announces committed creations and transitions on a
// broker. Publishing is best effort: the store write has already happened
// and a failed publish is only logged.
type PublishingJobStore struct {
	JobStore
	publisher EventPublisher
}

func NewPublishingJobStore(inner JobStore, publisher EventPublisher) *PublishingJobStore {
	return &PublishingJobStore{JobStore: inner, publisher: publisher}
}

// RoutingKey is "job.<state>" in lower case, e.g. job.finished.
func RoutingKey(st state.JobState) string {
	return "job." + strings.ToLower(string(st))
}

func (s *PublishingJobStore) Create(ctx context.Context, specs ...types.JobSpec) ([]string, error) {
	ids, err := s.JobStore.Create(ctx, specs...)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		job, err := s.JobStore.Get(ctx, id)
		if err != nil {
			log.Printf("[EVENTS] failed to read created job %s: %v", id, err)
			continue
		}
		s.publish(ctx, types.Event{
			JobID:     job.ID,
			To:        job.State,
			Version:   job.Version,
			Timestamp: job.CreatedAt,
			Message:   "created",
		}, *job)
	}
	return ids, nil
}

func (s *PublishingJobStore) Transition(ctx context.Context, jobID string, expected, next state.JobState, fields types.TransitionFields) (*types.Job, error) {
	job, err := s.JobStore.Transition(ctx, jobID, expected, next, fields)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, types.Event{
		JobID:     job.ID,
		From:      expected,
		To:        next,
		Version:   job.Version,
		Timestamp: job.LastTransitionAt,
		Message:   fields.Message,
	}, *job)
	return job, nil
}

func (s *PublishingJobStore) publish(ctx context.Context, event types.Event, job types.Job) {
	body, err := json.Marshal(EventMessage{Event: event, Job: job})
	if err != nil {
		log.Printf("[EVENTS] failed to encode event for %s: %v", job.ShortID(), err)
		return
	}
	if err := s.publisher.Publish(ctx, RoutingKey(event.To), body); err != nil {
		log.Printf("[EVENTS] failed to publish %s -> %s for %s: %v", event.From, event.To, job.ShortID(), err)
	}
}
