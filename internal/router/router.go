// Package router fans outgoing envelopes out to their destinations: the
// remote node, the need's registered owner applications, or the local
// system queue. All sends are asynchronous and best-effort; a transport
// substrate below the RemoteSender is responsible for at-least-once
// delivery, and the router itself never retries.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"needmesh/internal/proto"
	"needmesh/internal/store"
)

// RemoteSender performs one network send to another node. The returned
// envelope is the remote's synchronous response, if any.
type RemoteSender interface {
	Send(ctx context.Context, nodeURI string, env *proto.Envelope) (*proto.Envelope, error)
}

// OwnerSender delivers an envelope to one owner application.
type OwnerSender interface {
	Send(ctx context.Context, recipientID string, env *proto.Envelope) error
}

// SystemHandler receives loop-back envelopes (responses re-entering the
// local processing queue).
type SystemHandler func(ctx context.Context, env *proto.Envelope) error

// Result reports the outcome of one asynchronous delivery. Observers may
// use it for logging or follow-up actions, never for pipeline correctness.
type Result struct {
	Response *proto.Envelope
	Err      error
}

type Router struct {
	remote RemoteSender
	owner  OwnerSender
	system SystemHandler
	store  *store.Store
	log    *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
}

func New(remote RemoteSender, owner OwnerSender, system SystemHandler, s *store.Store, workers int64, log *slog.Logger) *Router {
	if workers <= 0 {
		workers = 8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		remote: remote,
		owner:  owner,
		system: system,
		store:  s,
		log:    log,
		sem:    semaphore.NewWeighted(workers),
	}
}

// ToNode schedules one send to the envelope's receiver node. The optional
// onResult callback observes completion; the caller is never blocked on
// the network.
func (r *Router) ToNode(ctx context.Context, env *proto.Envelope, onResult func(Result)) {
	r.submit(ctx, func(ctx context.Context) {
		resp, err := r.remote.Send(ctx, env.ReceiverNodeURI, env)
		if err != nil {
			r.failed.Add(1)
			r.log.Warn("node delivery failed",
				"message_uri", env.MessageURI, "type", env.Type, "node", env.ReceiverNodeURI, "err", err)
		} else {
			r.delivered.Add(1)
		}
		if onResult != nil {
			onResult(Result{Response: resp, Err: err})
		}
	})
}

// ToOwner fans the envelope out to every recipient authorized for the
// need, or to the fallback recipient if none are registered and a
// fallback was supplied. Each recipient is one independent best-effort
// send.
func (r *Router) ToOwner(ctx context.Context, needURI, fallbackRecipient string, env *proto.Envelope) {
	r.ToOwnerObserved(ctx, needURI, fallbackRecipient, env, nil)
}

// ToOwnerObserved is ToOwner with a per-failure callback, for callers that
// degrade to a compensating action when the owner side is unreachable.
func (r *Router) ToOwnerObserved(ctx context.Context, needURI, fallbackRecipient string, env *proto.Envelope, onErr func(error)) {
	recipients, err := r.store.Recipients(ctx, needURI)
	if err != nil {
		r.log.Warn("owner delivery: recipient lookup failed", "need", needURI, "err", err)
		if onErr != nil {
			onErr(err)
		}
		return
	}
	if len(recipients) == 0 && fallbackRecipient != "" {
		recipients = []string{fallbackRecipient}
	}
	for _, id := range recipients {
		recipient := id
		r.submit(ctx, func(ctx context.Context) {
			if err := r.owner.Send(ctx, recipient, env); err != nil {
				r.failed.Add(1)
				r.log.Warn("owner delivery failed",
					"message_uri", env.MessageURI, "recipient", recipient, "err", err)
				if onErr != nil {
					onErr(err)
				}
				return
			}
			r.delivered.Add(1)
		})
	}
}

// ToSystem loops the envelope back into the local processing queue.
func (r *Router) ToSystem(ctx context.Context, env *proto.Envelope) {
	if r.system == nil {
		r.failed.Add(1)
		r.log.Warn("system delivery dropped, no handler", "message_uri", env.MessageURI)
		return
	}
	r.submit(ctx, func(ctx context.Context) {
		if err := r.system(ctx, env); err != nil {
			r.failed.Add(1)
			r.log.Warn("system delivery failed", "message_uri", env.MessageURI, "err", err)
			return
		}
		r.delivered.Add(1)
	})
}

// submit schedules the task without blocking the caller: admission to the
// bounded worker budget happens on the task's own goroutine, so a
// saturated pool of slow sends never stalls the pipeline.
func (r *Router) submit(ctx context.Context, task func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.log.Warn("delivery dropped, router shutting down", "err", err)
			return
		}
		defer r.sem.Release(1)
		task(ctx)
	}()
}

// Wait blocks until all scheduled deliveries have completed. Used at
// shutdown and by tests; the pipeline never waits.
func (r *Router) Wait() { r.wg.Wait() }

// Delivered and Failed expose best-effort counters for diagnostics.
func (r *Router) Delivered() uint64 { return r.delivered.Load() }
func (r *Router) Failed() uint64    { return r.failed.Load() }
