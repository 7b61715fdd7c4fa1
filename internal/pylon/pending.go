package pylon

import (
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/estelle/pylon/internal/common/errors"
	"github.com/estelle/pylon/internal/relay"
)

// requestTimeout is the default wait for a *_result envelope from a peer.
const requestTimeout = 30 * time.Second

// pendingRequests correlates outgoing request envelopes with the result
// envelopes that answer them, by requestId.
type pendingRequests struct {
	mu      sync.Mutex
	waiting map[string]chan *relay.Envelope
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{waiting: make(map[string]chan *relay.Envelope)}
}

// register creates a pending slot and returns its requestId.
func (p *pendingRequests) register() (string, chan *relay.Envelope) {
	requestID := uuid.New().String()
	ch := make(chan *relay.Envelope, 1)
	p.mu.Lock()
	p.waiting[requestID] = ch
	p.mu.Unlock()
	return requestID, ch
}

func (p *pendingRequests) drop(requestID string) {
	p.mu.Lock()
	delete(p.waiting, requestID)
	p.mu.Unlock()
}

// resolve delivers a result envelope to its waiter. Returns false when the
// requestId is unknown (already timed out, or not ours).
func (p *pendingRequests) resolve(requestID string, env *relay.Envelope) bool {
	p.mu.Lock()
	ch, ok := p.waiting[requestID]
	delete(p.waiting, requestID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// await blocks until the result arrives or the timeout elapses.
func (p *pendingRequests) await(requestID string, ch chan *relay.Envelope, timeout time.Duration) (*relay.Envelope, error) {
	select {
	case env := <-ch:
		return env, nil
	case <-time.After(timeout):
		p.drop(requestID)
		return nil, apperrors.Timeout("relay request")
	}
}
