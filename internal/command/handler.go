package command

import (
	"github.com/google/uuid"

	"github.com/skshohagmiah/rally/internal/packet"
)

// Context describes where a dispatched call came from.
type Context struct {
	Client    uuid.UUID
	Transport packet.Transport
}

// Handler is a typed command callback. Build one with Handle0 through
// Handle6; the type parameters are checked against the command's schema when
// the handler is registered.
type Handler struct {
	probes []func(any) bool
	call   func(Context, Args)
}

// Arity returns the number of parameters the handler takes.
func (h Handler) Arity() int { return len(h.probes) }

func (h Handler) valid() bool { return h.call != nil }

func is[T any](v any) bool {
	_, ok := v.(T)
	return ok
}

// Handle0 wraps a handler that takes no arguments.
func Handle0(fn func(Context)) Handler {
	return Handler{
		call: func(ctx Context, _ Args) { fn(ctx) },
	}
}

// Handle1 wraps a one-argument handler. The argument type must match the
// command id at registration.
func Handle1[A any](fn func(Context, A)) Handler {
	return Handler{
		probes: []func(any) bool{is[A]},
		call:   func(ctx Context, a Args) { fn(ctx, a[0].(A)) },
	}
}

// Handle2 wraps a two-argument handler.
func Handle2[A, B any](fn func(Context, A, B)) Handler {
	return Handler{
		probes: []func(any) bool{is[A], is[B]},
		call:   func(ctx Context, a Args) { fn(ctx, a[0].(A), a[1].(B)) },
	}
}

// Handle3 wraps a three-argument handler.
func Handle3[A, B, C any](fn func(Context, A, B, C)) Handler {
	return Handler{
		probes: []func(any) bool{is[A], is[B], is[C]},
		call:   func(ctx Context, a Args) { fn(ctx, a[0].(A), a[1].(B), a[2].(C)) },
	}
}

// Handle4 wraps a four-argument handler.
func Handle4[A, B, C, D any](fn func(Context, A, B, C, D)) Handler {
	return Handler{
		probes: []func(any) bool{is[A], is[B], is[C], is[D]},
		call:   func(ctx Context, a Args) { fn(ctx, a[0].(A), a[1].(B), a[2].(C), a[3].(D)) },
	}
}

// Handle5 wraps a five-argument handler.
func Handle5[A, B, C, D, E any](fn func(Context, A, B, C, D, E)) Handler {
	return Handler{
		probes: []func(any) bool{is[A], is[B], is[C], is[D], is[E]},
		call: func(ctx Context, a Args) {
			fn(ctx, a[0].(A), a[1].(B), a[2].(C), a[3].(D), a[4].(E))
		},
	}
}

// Handle6 wraps a six-argument handler.
func Handle6[A, B, C, D, E, F any](fn func(Context, A, B, C, D, E, F)) Handler {
	return Handler{
		probes: []func(any) bool{is[A], is[B], is[C], is[D], is[E], is[F]},
		call: func(ctx Context, a Args) {
			fn(ctx, a[0].(A), a[1].(B), a[2].(C), a[3].(D), a[4].(E), a[5].(F))
		},
	}
}

// noop returns a handler that accepts any arguments of the given arity.
func noop(arity int) Handler {
	probes := make([]func(any) bool, arity)
	for i := range probes {
		probes[i] = is[any]
	}
	return Handler{probes: probes, call: func(Context, Args) {}}
}
