package engine

import (
	"log/slog"
	"sync"

	"github.com/muxhq/mux/pkg/models"
)

// subscriberBuffer is the channel capacity per subscriber. A subscriber
// that falls this far behind loses events; the websocket layer re-syncs
// from history on reconnect.
const subscriberBuffer = 256

// chatBus fans chat events out to per-workspace subscribers in emission
// order.
type chatBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan models.ChatEvent // workspaceID → id → ch
}

func newChatBus(logger *slog.Logger) *chatBus {
	return &chatBus{
		logger: logger,
		subs:   make(map[string]map[int]chan models.ChatEvent),
	}
}

func (b *chatBus) publish(ev models.ChatEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs[ev.WorkspaceID] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("chat subscriber lagging, dropping event",
				"workspace_id", ev.WorkspaceID, "subscriber", id, "type", ev.Type)
		}
	}
}

func (b *chatBus) subscribe(workspaceID string) (<-chan models.ChatEvent, func()) {
	ch := make(chan models.ChatEvent, subscriberBuffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[workspaceID] == nil {
		b.subs[workspaceID] = make(map[int]chan models.ChatEvent)
	}
	b.subs[workspaceID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.subs[workspaceID]; ok {
			if _, live := subs[id]; live {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subs, workspaceID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// dropWorkspace closes every subscriber of a deleted workspace.
func (b *chatBus) dropWorkspace(workspaceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[workspaceID] {
		close(ch)
	}
	delete(b.subs, workspaceID)
}

// metadataBus fans workspace metadata events out process-wide.
type metadataBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan models.MetadataEvent
}

func newMetadataBus(logger *slog.Logger) *metadataBus {
	return &metadataBus{
		logger: logger,
		subs:   make(map[int]chan models.MetadataEvent),
	}
}

func (b *metadataBus) publish(ev models.MetadataEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("metadata subscriber lagging, dropping event",
				"workspace_id", ev.WorkspaceID, "subscriber", id)
		}
	}
}

func (b *metadataBus) subscribe() (<-chan models.MetadataEvent, func()) {
	ch := make(chan models.MetadataEvent, subscriberBuffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, live := b.subs[id]; live {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
