// ABOUTME: In-memory Sender that records outbound messages, for tests and dry runs

package messaging

import (
	"context"
	"sync"
)

// Kind of a recorded message.
const (
	KindText    = "text"
	KindButtons = "buttons"
	KindList    = "list"
)

// Sent is one recorded outbound message.
type Sent struct {
	Kind     string
	TenantID string
	Phone    string
	Text     string
	Button   string
	Buttons  []Button
	Sections []Section
}

// Recorder implements Sender in memory. Sends to a phone registered with
// FailFor return that error instead of being recorded.
type Recorder struct {
	mu    sync.Mutex
	sent  []Sent
	fails map[string]error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{fails: make(map[string]error)}
}

// FailFor makes every send to phone return err. A nil err clears it.
func (r *Recorder) FailFor(phone string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fails, phone)
		return
	}
	r.fails[phone] = err
}

func (r *Recorder) record(s Sent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fails[s.Phone]; ok {
		return err
	}
	r.sent = append(r.sent, s)
	return nil
}

// SendText implements Sender.
func (r *Recorder) SendText(_ context.Context, tenantID, phone, text string) error {
	return r.record(Sent{Kind: KindText, TenantID: tenantID, Phone: phone, Text: text})
}

// SendButtons implements Sender.
func (r *Recorder) SendButtons(_ context.Context, tenantID, phone, text string, buttons []Button) error {
	return r.record(Sent{Kind: KindButtons, TenantID: tenantID, Phone: phone, Text: text, Buttons: buttons})
}

// SendList implements Sender.
func (r *Recorder) SendList(_ context.Context, tenantID, phone, body, button string, sections []Section) error {
	return r.record(Sent{Kind: KindList, TenantID: tenantID, Phone: phone, Text: body, Button: button, Sections: sections})
}

// All returns every recorded message in order.
func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// To returns the messages sent to phone.
func (r *Recorder) To(phone string) []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sent
	for _, s := range r.sent {
		if s.Phone == phone {
			out = append(out, s)
		}
	}
	return out
}

// Last returns the most recent message to phone.
func (r *Recorder) Last(phone string) (Sent, bool) {
	msgs := r.To(phone)
	if len(msgs) == 0 {
		return Sent{}, false
	}
	return msgs[len(msgs)-1], true
}

// Len returns the number of recorded messages.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// Reset forgets recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

var _ Sender = (*Recorder)(nil)
