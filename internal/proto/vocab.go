package proto

// Content graph predicates understood by the engine. Anything else in an
// envelope's content is opaque payload.
const (
	PredTextMessage = "need:textMessage"
	PredFacet       = "need:hasFacet"
	PredRemoteFacet = "need:hasRemoteFacet"
	PredMatchedNeed = "need:matchedNeed"

	// Agreement protocol vocabulary, consumed by the conversation fold.
	PredProposes         = "agr:proposes"
	PredAccepts          = "agr:accepts"
	PredRejects          = "agr:rejects"
	PredProposesToCancel = "agr:proposesToCancel"
	PredRetracts         = "mod:retracts"
)

// FirstObject returns the object of the first statement with the given
// predicate, or "" if none is present.
func FirstObject(stmts []Statement, predicate string) string {
	for _, s := range stmts {
		if s.Predicate == predicate {
			return s.Object
		}
	}
	return ""
}

// Objects collects every object attached to the given predicate, in order.
func Objects(stmts []Statement, predicate string) []string {
	var out []string
	for _, s := range stmts {
		if s.Predicate == predicate {
			out = append(out, s.Object)
		}
	}
	return out
}
