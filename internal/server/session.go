package server

import (
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skshohagmiah/rally/internal/command"
	"github.com/skshohagmiah/rally/internal/packet"
	"github.com/skshohagmiah/rally/internal/schedule"
)

// Session is an ordered subset of a lobby's members sharing one phase of
// play. It owns a hot-swappable command table and runs sequences.
type Session struct {
	id    uuid.UUID
	name  string
	lobby *Lobby

	commands *command.Registry

	mu        sync.Mutex
	members   []*Peer
	tracked   map[string]command.Id
	responses map[string]map[uuid.UUID][]command.Args
	pool      *WorkerPool
	stopped   bool
}

func newSession(l *Lobby, name string) *Session {
	return &Session{
		id:        uuid.New(),
		name:      name,
		lobby:     l,
		commands:  command.NewRegistry(command.HotSwap),
		tracked:   make(map[string]command.Id),
		responses: make(map[string]map[uuid.UUID][]command.Args),
	}
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Name() string { return s.name }

// Lobby returns the lobby the session belongs to.
func (s *Session) Lobby() *Lobby { return s.lobby }

// Commands is the table for Session-targeted commands.
func (s *Session) Commands() *command.Registry { return s.commands }

// Identifier snapshots the session for a SessionUpdate.
func (s *Session) Identifier() *packet.SessionIdentifier {
	return &packet.SessionIdentifier{ID: s.id, Name: s.name}
}

// Members returns the members in join order.
func (s *Session) Members() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Peer(nil), s.members...)
}

// Count returns the number of members.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Contains reports whether client id is in the session.
func (s *Session) Contains(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(id) >= 0
}

func (s *Session) indexOf(id uuid.UUID) int {
	for i, m := range s.members {
		if m.ID() == id {
			return i
		}
	}
	return -1
}

func (s *Session) add(p *Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(p.ID()) >= 0 {
		return false
	}
	s.members = append(s.members, p)
	return true
}

func (s *Session) remove(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.members = append(s.members[:i], s.members[i+1:]...)
	return true
}

// Send calls id on every member. The payload is encoded once; over UDP each
// member still gets its own datagram.
func (s *Session) Send(t packet.Transport, target packet.Target, id command.Id, args ...any) error {
	payload, err := command.Encode(id, args...)
	if err != nil {
		return err
	}
	return broadcast(s.Members(), t, packet.Command(target, id.Name(), payload))
}

// broadcast writes f to every peer in order. Closed peers are skipped; the
// first other error is returned after all peers were tried.
func broadcast(peers []*Peer, t packet.Transport, f *packet.Frame) error {
	var first error
	for _, p := range peers {
		err := p.Send(t, f)
		if err == nil {
			continue
		}
		if errors.Is(err, packet.ErrDatagramTooLarge) {
			return err
		}
		glog.V(2).Infof("[Session] send %v to %s: %v", f.Kind, p.ID(), err)
		if first == nil {
			first = errors.Wrapf(err, "send to %s", p.ID())
		}
	}
	return first
}

// dispatch runs a Session-targeted call. Tracked commands are recorded
// even when no handler is registered for them.
func (s *Session) dispatch(ctx command.Context, f *packet.Frame) error {
	s.mu.Lock()
	id, tracked := s.tracked[f.Command]
	s.mu.Unlock()

	if !tracked {
		_, err := s.commands.Dispatch(ctx, f.Command, f.Payload)
		return err
	}

	args, err := command.Decode(id, f.Payload)
	if err != nil {
		return err
	}
	s.record(f.Command, ctx.Client, args)

	if _, ok := s.commands.Lookup(f.Command); ok {
		_, err = s.commands.Dispatch(ctx, f.Command, f.Payload)
	}
	return err
}

func (s *Session) track(id command.Id) {
	s.mu.Lock()
	s.tracked[id.Name()] = id
	s.responses[id.Name()] = make(map[uuid.UUID][]command.Args)
	s.mu.Unlock()
}

func (s *Session) record(name string, client uuid.UUID, args command.Args) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byClient, ok := s.responses[name]; ok {
		byClient[client] = append(byClient[client], args)
	}
}

// quorum reports whether every current member has answered name.
func (s *Session) quorum(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byClient := s.responses[name]
	if byClient == nil {
		return false
	}
	for _, m := range s.members {
		if len(byClient[m.ID()]) == 0 {
			return false
		}
	}
	return true
}

// untrack stops recording name and returns what was recorded.
func (s *Session) untrack(name string) map[ResponseID][]command.Args {
	s.mu.Lock()
	byClient := s.responses[name]
	delete(s.responses, name)
	delete(s.tracked, name)
	s.mu.Unlock()

	out := make(map[ResponseID][]command.Args, len(byClient))
	for client, calls := range byClient {
		out[ResponseID{Command: name, Client: client}] = calls
	}
	return out
}

func (s *Session) tracer() trace.Tracer {
	return s.lobby.server.tracer
}

// workers returns the session's pool, creating it on first use.
func (s *Session) workers() (*WorkerPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	if s.pool == nil {
		s.pool = NewWorkerPool(s.lobby.server.ctx, s.lobby.server.opts.sequenceWorkers, DefaultJobQueueSize)
	}
	return s.pool, nil
}

// RunSequence queues fn on the session's worker pool. The returned future
// resolves with fn's error once it finishes, or with a cancellation error
// if the session stops first.
func (s *Session) RunSequence(name string, fn func(*Sequence) error) *schedule.Future[struct{}] {
	future := schedule.NewFuture[struct{}]()

	pool, err := s.workers()
	if err != nil {
		future.Resolve(struct{}{}, err)
		return future
	}

	m := s.lobby.server.metrics
	job := &Job{future: future}
	job.fn = func(seq *Sequence) error {
		ctx, span := s.tracer().Start(pool.Context(), "rally.sequence", trace.WithAttributes(
			attribute.String("rally.sequence", name),
			attribute.String("rally.session", s.name),
			attribute.String("rally.lobby", s.lobby.name),
		))
		defer span.End()
		seq.ctx, seq.span = ctx, span

		m.SequenceStarted()
		defer m.SequenceDone()

		err := fn(seq)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	job.seq = &Sequence{name: name, session: s, ctx: pool.Context(), span: trace.SpanFromContext(pool.Context())}

	if err := pool.Submit(job); err != nil {
		future.Resolve(struct{}{}, err)
	}
	return future
}

// Stop cancels running sequences. The session keeps its members and can
// still route commands, but no new sequences start.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	pool := s.pool
	s.mu.Unlock()

	if pool != nil {
		pool.Stop()
	}
}
