// Package agreement derives consensus state from a connection's envelope
// history. It is a read-side fold over the persisted conversation; it never
// writes and has no lifecycle of its own.
package agreement

import (
	"fmt"

	"needmesh/internal/proto"
)

// IncompleteError reports a referenced envelope that was absent from the
// fetched conversation. It carries enough context for the caller to
// invalidate and refetch the right containers.
type IncompleteError struct {
	MissingURI   string
	ReferringURI string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete conversation: %s references missing envelope %s", e.ReferringURI, e.MissingURI)
}

// State is the reduction of one conversation. All maps are keyed by the
// URI of the proposing or proposing-to-cancel envelope and hold the full
// envelope for content queries.
type State struct {
	Pending             map[string]*proto.Envelope // open proposals
	Agreements          map[string]*proto.Envelope // accepted proposals
	CancellationPending map[string]*proto.Envelope // agreements with an open cancel proposal
	Cancelled           map[string]*proto.Envelope
	Rejected            map[string]*proto.Envelope
	Retracted           map[string]*proto.Envelope // retracted envelopes, keyed by their own URI
}

func newState() *State {
	return &State{
		Pending:             make(map[string]*proto.Envelope),
		Agreements:          make(map[string]*proto.Envelope),
		CancellationPending: make(map[string]*proto.Envelope),
		Cancelled:           make(map[string]*proto.Envelope),
		Rejected:            make(map[string]*proto.Envelope),
		Retracted:           make(map[string]*proto.Envelope),
	}
}

// AgreementURIs lists the URIs of all accepted, non-cancelled agreements.
func (s *State) AgreementURIs() []string { return keys(s.Agreements) }

// PendingProposalURIs lists the URIs of proposals not yet accepted,
// rejected or retracted.
func (s *State) PendingProposalURIs() []string { return keys(s.Pending) }

func (s *State) CancelledAgreementURIs() []string { return keys(s.Cancelled) }
func (s *State) RejectedProposalURIs() []string   { return keys(s.Rejected) }
func (s *State) RetractedURIs() []string          { return keys(s.Retracted) }

// Agreement returns the proposal envelope behind an accepted agreement,
// or nil when uri names no agreement.
func (s *State) Agreement(uri string) *proto.Envelope { return s.Agreements[uri] }

// Proposal returns a pending proposal's envelope, or nil.
func (s *State) Proposal(uri string) *proto.Envelope { return s.Pending[uri] }

func keys(m map[string]*proto.Envelope) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Fold reduces an ordered conversation into agreement state. envs must be
// in persistence order; references to envelopes outside the set raise
// IncompleteError. Agreements keep the URI of the envelope that proposed
// them.
func Fold(envs []*proto.Envelope) (*State, error) {
	byURI := make(map[string]*proto.Envelope, len(envs))
	for _, env := range envs {
		byURI[env.MessageURI] = env
	}
	st := newState()
	for _, env := range envs {
		for _, stmt := range env.Content {
			target, present := byURI[stmt.Object]
			switch stmt.Predicate {
			case proto.PredProposes:
				if !present {
					return nil, &IncompleteError{MissingURI: stmt.Object, ReferringURI: env.MessageURI}
				}
				st.Pending[env.MessageURI] = env
			case proto.PredAccepts:
				if !present {
					return nil, &IncompleteError{MissingURI: stmt.Object, ReferringURI: env.MessageURI}
				}
				st.accept(stmt.Object, target)
			case proto.PredRejects:
				if !present {
					return nil, &IncompleteError{MissingURI: stmt.Object, ReferringURI: env.MessageURI}
				}
				if p, ok := st.Pending[stmt.Object]; ok {
					delete(st.Pending, stmt.Object)
					st.Rejected[stmt.Object] = p
				}
			case proto.PredProposesToCancel:
				if !present {
					return nil, &IncompleteError{MissingURI: stmt.Object, ReferringURI: env.MessageURI}
				}
				if a, ok := st.Agreements[stmt.Object]; ok {
					delete(st.Agreements, stmt.Object)
					st.CancellationPending[stmt.Object] = a
					st.Pending[env.MessageURI] = env
				}
			case proto.PredRetracts:
				if !present {
					return nil, &IncompleteError{MissingURI: stmt.Object, ReferringURI: env.MessageURI}
				}
				st.retract(stmt.Object, target)
			}
		}
	}
	return st, nil
}

// accept resolves a pending proposal. Accepting a cancel proposal moves
// the underlying agreement to Cancelled.
func (s *State) accept(proposalURI string, proposal *proto.Envelope) {
	if _, ok := s.Pending[proposalURI]; !ok {
		return
	}
	delete(s.Pending, proposalURI)
	if cancelled := proto.FirstObject(proposal.Content, proto.PredProposesToCancel); cancelled != "" {
		if a, ok := s.CancellationPending[cancelled]; ok {
			delete(s.CancellationPending, cancelled)
			s.Cancelled[cancelled] = a
		}
		return
	}
	s.Agreements[proposalURI] = proposal
}

// retract withdraws the target envelope and any open proposal it made.
func (s *State) retract(uri string, env *proto.Envelope) {
	s.Retracted[uri] = env
	if _, ok := s.Pending[uri]; ok {
		delete(s.Pending, uri)
	}
	if cancelled := proto.FirstObject(env.Content, proto.PredProposesToCancel); cancelled != "" {
		if a, ok := s.CancellationPending[cancelled]; ok {
			delete(s.CancellationPending, cancelled)
			s.Agreements[cancelled] = a
		}
	}
}
