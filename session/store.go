// Package session holds the state of the active conversation: the ordered
// message log and the single-slot typing indicator.
package session

import (
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/minichat/protocol"
)

type ChangeKind int

const (
	MessageAppended ChangeKind = iota + 1
	MessagesCleared
	TyperChanged
)

func (k ChangeKind) String() string {
	switch k {
	case MessageAppended:
		return "message_appended"
	case MessagesCleared:
		return "messages_cleared"
	case TyperChanged:
		return "typer_changed"
	}
	return "unknown"
}

// Change describes one committed mutation.
type Change struct {
	Kind ChangeKind

	// Message is set for MessageAppended.
	Message protocol.Message

	// Typer is the typer after the mutation, empty when absent.
	Typer string
}

// Listener is invoked synchronously after a mutation commits.
// It must not mutate the store.
type Listener func(Change)

// View is the read-only side of a Store handed to the rendering layer.
type View interface {
	Messages() []protocol.Message
	Len() int
	Typer() (string, bool)
	Subscribe(Listener) func()
}

// Store is the single source of truth for one session. The sync engine is the
// only writer; any goroutine may read.
type Store struct {
	sync.RWMutex

	// wmu serializes mutation and notification so listeners observe
	// changes in commit order.
	wmu sync.Mutex

	messages []protocol.Message
	typer    string

	lmu       sync.Mutex
	listeners map[int]Listener
	nextId    int
}

func NewStore() *Store {
	return &Store{
		listeners: make(map[int]Listener),
	}
}

// AppendMessage appends m in arrival order. Content is never inspected.
func (s *Store) AppendMessage(m protocol.Message) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.Lock()
	s.messages = append(s.messages, m)
	typer := s.typer
	s.Unlock()

	glog.V(5).Infof("session: appended message from %q", m.Author)
	s.notify(Change{Kind: MessageAppended, Message: m, Typer: typer})
}

// Clear empties the message log. The typing indicator is untouched.
func (s *Store) Clear() {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.Lock()
	s.messages = nil
	typer := s.typer
	s.Unlock()

	s.notify(Change{Kind: MessagesCleared, Typer: typer})
}

// SetTyper overwrites the typing indicator. An empty name means absent.
func (s *Store) SetTyper(name string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.Lock()
	if s.typer == name {
		s.Unlock()
		return
	}
	s.typer = name
	s.Unlock()

	s.notify(Change{Kind: TyperChanged, Typer: name})
}

func (s *Store) ClearTyper() {
	s.SetTyper("")
}

// Reset empties both the log and the typing indicator.
func (s *Store) Reset() {
	s.Clear()
	s.ClearTyper()
}

// Messages returns a copy of the log.
func (s *Store) Messages() []protocol.Message {
	s.RLock()
	defer s.RUnlock()
	out := make([]protocol.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.messages)
}

// Typer returns the current typer and whether one is set.
func (s *Store) Typer() (string, bool) {
	s.RLock()
	defer s.RUnlock()
	return s.typer, s.typer != ""
}

// Subscribe registers l and returns a function that removes it. The returned
// function may be called more than once.
func (s *Store) Subscribe(l Listener) func() {
	s.lmu.Lock()
	id := s.nextId
	s.nextId++
	s.listeners[id] = l
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

func (s *Store) notify(c Change) {
	s.lmu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	s.lmu.Unlock()

	sort.Ints(ids)
	for _, id := range ids {
		s.lmu.Lock()
		l, ok := s.listeners[id]
		s.lmu.Unlock()
		if ok {
			l(c)
		}
	}
}
