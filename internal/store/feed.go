package store

import "sync"

// Collections published on the change feed.
const (
	Contacts      = "contacts"
	ContactLists  = "contact_lists"
	Campaigns     = "campaigns"
	Deliveries    = "deliveries"
	Messages      = "messages"
	Conversations = "conversations"
	ChatbotConfig = "chatbot_config"
	ChatbotRules  = "chatbot_rules"
)

// Change operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Change notifies subscribers that a record was written. It carries no
// payload: handlers re-read the record and must tolerate repeats.
type Change struct {
	Collection string `json:"collection"`
	Op         string `json:"op"`
	ID         string `json:"id"`
}

// Feed fans committed changes out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Feed struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscription
}

type subscription struct {
	ch          chan Change
	collections map[string]bool
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]*subscription)}
}

// Subscribe returns a channel receiving changes for the given collections
// (all collections when none are named) and a function that cancels the
// subscription and closes the channel.
func (f *Feed) Subscribe(buffer int, collections ...string) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Change, buffer)}
	if len(collections) > 0 {
		sub.collections = make(map[string]bool, len(collections))
		for _, c := range collections {
			sub.collections[c] = true
		}
	}

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = sub
	f.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (f *Feed) Publish(changes ...Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range changes {
		for _, sub := range f.subs {
			if sub.collections != nil && !sub.collections[c.Collection] {
				continue
			}
			select {
			case sub.ch <- c:
			default:
			}
		}
	}
}
