package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skshohagmiah/rally/internal/command"
)

// ResponseID keys a tracked response by command and sender.
type ResponseID struct {
	Command string
	Client  uuid.UUID
}

// Sequence is the handle a running sequence uses to wait on its session.
// Every wait ends early when the session's worker pool stops.
type Sequence struct {
	name    string
	session *Session
	ctx     context.Context
	span    trace.Span
}

func (q *Sequence) Name() string { return q.name }

func (q *Sequence) Session() *Session { return q.session }

// Context is cancelled when the session stops.
func (q *Sequence) Context() context.Context { return q.ctx }

// Sleep pauses for d. It returns false if the sequence was cancelled.
func (q *Sequence) Sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// poll calls done every interval until it returns true, the timeout
// passes or the sequence is cancelled.
func (q *Sequence) poll(timeout, interval time.Duration, done func() bool) bool {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		if done() {
			return true
		}
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		if left > interval {
			left = interval
		}
		if !q.Sleep(left) {
			return false
		}
	}
}

// WaitFor blocks until pred returns true, checking every interval. It
// returns false on timeout or cancellation.
func (q *Sequence) WaitFor(pred func() bool, timeout, interval time.Duration) bool {
	q.span.AddEvent("wait_for")
	ok := q.poll(timeout, interval, pred)
	q.span.AddEvent("wait_for_done", trace.WithAttributes(attribute.Bool("satisfied", ok)))
	return ok
}

// TrackResponses starts recording every call of id made by a session
// member, discarding anything recorded for id before.
func (q *Sequence) TrackResponses(id command.Id) {
	q.session.track(id)
}

// WaitForResponses waits until every current member has called id at least
// once since TrackResponses. On success it returns all recorded calls per
// sender and stops tracking id. On timeout or cancellation it returns an
// empty map and also stops tracking.
func (q *Sequence) WaitForResponses(id command.Id, timeout, interval time.Duration) map[ResponseID][]command.Args {
	_, span := q.session.tracer().Start(q.ctx, "rally.quorum",
		trace.WithAttributes(attribute.String("rally.command", id.Name())))
	defer span.End()

	ok := q.poll(timeout, interval, func() bool { return q.session.quorum(id.Name()) })
	responses := q.session.untrack(id.Name())
	if !ok {
		span.SetAttributes(attribute.Bool("rally.quorum.reached", false))
		return map[ResponseID][]command.Args{}
	}
	span.SetAttributes(
		attribute.Bool("rally.quorum.reached", true),
		attribute.Int("rally.quorum.responders", len(responses)),
	)
	return responses
}
