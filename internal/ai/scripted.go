// ABOUTME: Scripted in-memory assistant for tests and local runs without an API key
// ABOUTME: Records every request and replays canned responses in order

package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ScriptedResponder returns queued responses and records requests.
// When the script runs out it echoes the input with a generated ID.
type ScriptedResponder struct {
	mu        sync.Mutex
	script    []scriptStep
	requests  []Request
	documents []Document
	calls     int
}

type scriptStep struct {
	resp *Response
	err  error
}

// NewScriptedResponder creates an empty script.
func NewScriptedResponder() *ScriptedResponder {
	return &ScriptedResponder{}
}

// Reply queues a response.
func (s *ScriptedResponder) Reply(resp Response) *ScriptedResponder {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := resp
	s.script = append(s.script, scriptStep{resp: &r})
	return s
}

// Fail queues an error.
func (s *ScriptedResponder) Fail(err error) *ScriptedResponder {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, scriptStep{err: err})
	return s
}

// MakeResponse implements Responder.
func (s *ScriptedResponder) MakeResponse(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	s.calls++

	if len(s.script) > 0 {
		step := s.script[0]
		s.script = s.script[1:]
		if step.err != nil {
			return nil, step.err
		}
		r := *step.resp
		return &r, nil
	}
	return &Response{
		Text:       "eco: " + req.Text,
		ResponseID: fmt.Sprintf("resp-%d", s.calls),
	}, nil
}

// Summarize implements Summarizer by joining the lines.
func (s *ScriptedResponder) Summarize(_ context.Context, _ string, lines []string) (string, error) {
	if len(lines) == 0 {
		return "", nil
	}
	return fmt.Sprintf("%d mensagens: %s", len(lines), strings.Join(lines, " | ")), nil
}

// IngestDocument implements Ingestor.
func (s *ScriptedResponder) IngestDocument(_ context.Context, doc Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents = append(s.documents, doc)
	return fmt.Sprintf("file-%d", len(s.documents)), nil
}

// Requests returns a copy of the recorded requests.
func (s *ScriptedResponder) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Documents returns a copy of the ingested documents.
func (s *ScriptedResponder) Documents() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, len(s.documents))
	copy(out, s.documents)
	return out
}

var (
	_ Responder  = (*ScriptedResponder)(nil)
	_ Summarizer = (*ScriptedResponder)(nil)
	_ Ingestor   = (*ScriptedResponder)(nil)
)
