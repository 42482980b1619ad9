package events

import (
	"context"
	"sync"
)

// Message is one event captured by a Recorder.
type Message struct {
	Subject string
	Payload any
}

// Recorder keeps published events in memory. Tests use it to assert what a
// service emitted; it is also handy for local debugging.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Err      error // returned from every Publish when set
}

func (r *Recorder) Publish(_ context.Context, subject string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.messages = append(r.messages, Message{Subject: subject, Payload: payload})
	return nil
}

func (r *Recorder) Close() {}

// Messages returns a copy of everything published so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
