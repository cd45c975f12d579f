// Package dispatchtest provides an in-memory dispatch.Subscriber fake.
package dispatchtest

import (
	"context"
	"errors"
	"sync"

	"github.com/koushiro/substrate-archive-go/message"
)

// Subscriber records every message it receives; AlwaysFail, if set,
// makes Send always return an error without recording anything.
type Subscriber struct {
	NameValue  string
	AlwaysFail bool

	mu       sync.Mutex
	Received []message.Msg
}

func New(name string) *Subscriber { return &Subscriber{NameValue: name} }

func (s *Subscriber) Name() string { return s.NameValue }

func (s *Subscriber) Send(ctx context.Context, msg message.Msg) error {
	if s.AlwaysFail {
		return errors.New("dispatchtest: forced failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Received = append(s.Received, msg)
	return nil
}

func (s *Subscriber) Close() {}

// Count returns how many messages have been received so far.
func (s *Subscriber) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Received)
}
