package hub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/sandboxplatform/controlplane/pkg/models"
)

// viewerBufferSize bounds a viewer's backlog. Each log event is typically
// well under a few hundred bytes, so a few thousand buffered events
// approximates the 1MB per-viewer backpressure bound from §5 without
// tracking exact byte counts per viewer.
const viewerBufferSize = 4096

// broker fan-outs one sandbox's log events to every attached viewer,
// writing each persisted event exactly once regardless of viewer count,
// per §4.6/§9's broker-per-sandbox preference.
type broker struct {
	mu      sync.Mutex
	viewers map[string]chan *models.SandboxLog
}

func newBroker() *broker {
	return &broker{viewers: make(map[string]chan *models.SandboxLog)}
}

// attach registers a new viewer and returns its id and receive channel.
func (b *broker) attach() (string, <-chan *models.SandboxLog) {
	id := uuid.New().String()
	ch := make(chan *models.SandboxLog, viewerBufferSize)

	b.mu.Lock()
	b.viewers[id] = ch
	b.mu.Unlock()

	return id, ch
}

// detach removes a viewer; safe to call more than once.
func (b *broker) detach(viewerID string) {
	b.mu.Lock()
	ch, ok := b.viewers[viewerID]
	delete(b.viewers, viewerID)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// publish delivers one event to every viewer. A viewer whose channel is
// full is dropped rather than allowed to block the collector; the caller
// of attach() is responsible for noticing its channel closed and closing
// the socket with 1009.
func (b *broker) publish(entry *models.SandboxLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.viewers {
		select {
		case ch <- entry:
		default:
			close(ch)
			delete(b.viewers, id)
		}
	}
}

func (b *broker) viewerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.viewers)
}

// brokerRegistry holds one broker per sandbox with at least one viewer
// or a live tail in flight.
type brokerRegistry struct {
	mu      sync.Mutex
	brokers map[string]*broker
}

func newBrokerRegistry() *brokerRegistry {
	return &brokerRegistry{brokers: make(map[string]*broker)}
}

func (r *brokerRegistry) get(sandboxID string) *broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.brokers[sandboxID]
	if !ok {
		b = newBroker()
		r.brokers[sandboxID] = b
	}
	return b
}

func (r *brokerRegistry) publish(sandboxID string, entry *models.SandboxLog) {
	r.mu.Lock()
	b, ok := r.brokers[sandboxID]
	r.mu.Unlock()
	if ok {
		b.publish(entry)
	}
}

func (r *brokerRegistry) reap(sandboxID string, b *broker) {
	if b.viewerCount() > 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.brokers[sandboxID]; ok && current == b {
		delete(r.brokers, sandboxID)
	}
}

func (h *Hub) broadcastLogEvent(sandboxID string, entry *models.SandboxLog) {
	h.brokers.publish(sandboxID, entry)
}
