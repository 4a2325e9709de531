// Package transport declares the external-interface seam to the pub/sub
// transport (spec.md section 6, "To the pub/sub transport"). The concrete
// transport (Redis channels, in the original system) is out of scope;
// this package carries only the interface internal/workflow publishes
// system-progress envelopes through, plus an in-memory stub for tests.
package transport

import "context"

// Envelope is one published notice: a system-progress message, an agent
// panel update, or an error, addressed to a task's channel.
type Envelope struct {
	Type     string // "system", "agent", "error"
	Content  string
	SubTitle string
}

// Publisher is the workflow-level pub/sub seam.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload Envelope) error
}

// Stub is an in-memory Publisher recording every envelope published,
// for tests and local wiring ahead of a real transport.
type Stub struct {
	Sent []Envelope
}

func NewStub() *Stub { return &Stub{} }

func (s *Stub) Publish(ctx context.Context, channel string, payload Envelope) error {
	s.Sent = append(s.Sent, payload)
	return nil
}
