package events

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrHandlerNotComparable = errors.New("event handler must be comparable to be subscribed")

// Kind identifies a page change event.
type Kind int

const (
	PageSaved Kind = iota
	PageDeleted
)

func (k Kind) String() string {
	switch k {
	case PageSaved:
		return "page_saved"
	case PageDeleted:
		return "page_deleted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event describes one completed page change. LanguageID 0 means the change
// applied to every language.
type Event struct {
	Kind       Kind
	PageID     uuid.UUID
	LanguageID int
	At         time.Time
}

// Handler receives page events.
type Handler interface {
	HandlePageEvent(ctx context.Context, ev Event) error
}

// FuncHandler adapts a function to Handler. Use it through a pointer so the
// subscription can be identified and removed later.
type FuncHandler struct {
	Name string
	Fn   func(ctx context.Context, ev Event) error
}

// NewHandler wraps fn in a subscribable handler.
func NewHandler(name string, fn func(ctx context.Context, ev Event) error) *FuncHandler {
	return &FuncHandler{Name: name, Fn: fn}
}

func (h *FuncHandler) HandlePageEvent(ctx context.Context, ev Event) error {
	return h.Fn(ctx, ev)
}

// Notifier fans page events out to subscribers. Each handler is registered at
// most once per kind and handlers run synchronously in subscription order.
type Notifier struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	logger   zerolog.Logger
	now      func() time.Time
}

func NewNotifier(logger zerolog.Logger) *Notifier {
	return &Notifier{
		handlers: make(map[Kind][]Handler),
		logger:   logger.With().Str("component", "events").Logger(),
		now:      time.Now,
	}
}

// Subscribe registers h for kind. It reports false when h was already
// registered for that kind.
func (n *Notifier) Subscribe(kind Kind, h Handler) (bool, error) {
	if h == nil || !reflect.ValueOf(h).Comparable() {
		return false, ErrHandlerNotComparable
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.handlers[kind] {
		if existing == h {
			return false, nil
		}
	}
	n.handlers[kind] = append(n.handlers[kind], h)
	return true, nil
}

// Unsubscribe removes h from kind and reports whether it was registered.
func (n *Notifier) Unsubscribe(kind Kind, h Handler) bool {
	if h == nil || !reflect.ValueOf(h).Comparable() {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.handlers[kind]
	for i, existing := range list {
		if existing == h {
			n.handlers[kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribers returns how many handlers are registered for kind.
func (n *Notifier) Subscribers(kind Kind) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.handlers[kind])
}

// PageSaved notifies subscribers that a page version was stored and indexed.
func (n *Notifier) PageSaved(ctx context.Context, pageID uuid.UUID, languageID int) {
	n.publish(ctx, Event{Kind: PageSaved, PageID: pageID, LanguageID: languageID})
}

// PageDeleted notifies subscribers that a page and its descendants were removed.
func (n *Notifier) PageDeleted(ctx context.Context, pageID uuid.UUID, languageID int) {
	n.publish(ctx, Event{Kind: PageDeleted, PageID: pageID, LanguageID: languageID})
}

func (n *Notifier) publish(ctx context.Context, ev Event) {
	ev.At = n.now()

	n.mu.RLock()
	handlers := append([]Handler(nil), n.handlers[ev.Kind]...)
	n.mu.RUnlock()

	for _, h := range handlers {
		if err := h.HandlePageEvent(ctx, ev); err != nil {
			n.logger.Error().Err(err).
				Str("event", ev.Kind.String()).
				Str("page_id", ev.PageID.String()).
				Int("language_id", ev.LanguageID).
				Msg("page event handler failed")
		}
	}
}
