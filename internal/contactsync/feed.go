package contactsync

import (
	"sync"

	"github.com/agentworkforce/relaycrm/internal/records"
)

type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

type ChangeEvent struct {
	Type       ChangeType              `json:"type"`
	CustomerID string                  `json:"customerId"`
	ExternalID string                  `json:"externalId"`
	Record     *records.ContactRecord `json:"record,omitempty"`
}

const defaultSubscriberBuffer = 64

// ChangeFeed fans record changes out to subscribers of the same customer.
// Publishing never blocks; a full subscriber buffer drops the event.
type ChangeFeed struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]chan ChangeEvent
	buffer int
}

func NewChangeFeed(buffer int) *ChangeFeed {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &ChangeFeed{subs: map[string]map[uint64]chan ChangeEvent{}, buffer: buffer}
}

// Subscribe returns a channel of events for customerID and a cancel func
// that closes it.
func (f *ChangeFeed) Subscribe(customerID string) (<-chan ChangeEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	ch := make(chan ChangeEvent, f.buffer)
	if f.subs[customerID] == nil {
		f.subs[customerID] = map[uint64]chan ChangeEvent{}
	}
	f.subs[customerID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs[customerID], id)
			if len(f.subs[customerID]) == 0 {
				delete(f.subs, customerID)
			}
			close(ch)
		})
	}
}

// Publish reports how many subscribers received the event.
func (f *ChangeFeed) Publish(event ChangeEvent) int {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	delivered := 0
	for _, ch := range f.subs[event.CustomerID] {
		select {
		case ch <- event:
			delivered++
		default:
		}
	}
	return delivered
}

func (f *ChangeFeed) Subscribers(customerID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[customerID])
}
