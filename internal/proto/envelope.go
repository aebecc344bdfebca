package proto

// Statement is one edge of an envelope's opaque content graph. The engine
// never interprets predicates except where the agreement fold looks for its
// own vocabulary; everything else passes through untouched.
type Statement struct {
	Subject   string `json:"s"`
	Predicate string `json:"p"`
	Object    string `json:"o"`
}

// Signature is one signature block over the envelope's canonical form.
type Signature struct {
	SignerNodeURI string `json:"signer_node_uri"`
	Value         string `json:"value"` // hex-encoded
}

// Envelope is the immutable protocol message exchanged between needs and
// nodes. Built once via Builder, persisted verbatim, never mutated.
type Envelope struct {
	MessageURI string      `json:"message_uri"`
	Type       MessageType `json:"type"`

	SenderURI     string `json:"sender_uri,omitempty"`
	SenderNeedURI string `json:"sender_need_uri,omitempty"`
	SenderNodeURI string `json:"sender_node_uri,omitempty"`

	ReceiverURI     string `json:"receiver_uri,omitempty"`
	ReceiverNeedURI string `json:"receiver_need_uri,omitempty"`
	ReceiverNodeURI string `json:"receiver_node_uri,omitempty"`

	// RespondsTo and RefersTo form the conversation DAG.
	RespondsTo string `json:"responds_to,omitempty"`
	RefersTo   string `json:"refers_to,omitempty"`

	Content    []Statement `json:"content,omitempty"`
	Score      *float64    `json:"score,omitempty"`
	Signatures []Signature `json:"signatures,omitempty"`
}

// WithSignature returns a copy of e with sig appended. The receiver is left
// untouched so already-persisted envelopes stay immutable.
func (e *Envelope) WithSignature(sig Signature) *Envelope {
	cp := *e
	cp.Signatures = make([]Signature, 0, len(e.Signatures)+1)
	cp.Signatures = append(cp.Signatures, e.Signatures...)
	cp.Signatures = append(cp.Signatures, sig)
	return &cp
}

// ClampScore coerces a hint score into [0.0, 1.0]. Out-of-range values are
// treated as the nearest bound, never rejected.
func ClampScore(score float64) float64 {
	if score < 0.0 {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}
