// Package notify carries human-readable notices from the reconciler to
// whatever toast or banner surface the application has.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindHostChanged Kind = "host_changed"
	KindKicked      Kind = "kicked"
	KindPlayerKick  Kind = "player_kicked"
	KindConnection  Kind = "connection"
	KindError       Kind = "error"
	KindWarning     Kind = "warning"
	KindExit        Kind = "exit"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Notice struct {
	RoomCode string
	Kind     Kind
	Level    Level
	Message  string
	// Persistent notices stay until replaced (connection state); the others
	// are dismissible.
	Persistent bool
	At         time.Time
}

// Notifier must not block: the reconciler calls it from its event loop.
type Notifier interface {
	Notify(Notice)
}

type Func func(Notice)

func (f Func) Notify(n Notice) { f(n) }

type logNotifier struct {
	log *zap.Logger
}

// Log writes notices to a zap logger.
func Log(logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logNotifier{log: logger.With(zap.String("component", "notify"))}
}

func (l logNotifier) Notify(n Notice) {
	fields := []zap.Field{
		zap.String("room", n.RoomCode),
		zap.String("kind", string(n.Kind)),
		zap.Bool("persistent", n.Persistent),
	}
	switch n.Level {
	case LevelError:
		l.log.Error(n.Message, fields...)
	case LevelWarn:
		l.log.Warn(n.Message, fields...)
	default:
		l.log.Info(n.Message, fields...)
	}
}

// Fanout forwards notices to every subscribed channel, dropping notices for
// subscribers whose buffer is full.
type Fanout struct {
	mu   sync.RWMutex
	subs map[string]chan Notice
	next []Notifier
}

func NewFanout(next ...Notifier) *Fanout {
	return &Fanout{subs: make(map[string]chan Notice), next: next}
}

func (f *Fanout) Subscribe(id string, buf int) <-chan Notice {
	ch := make(chan Notice, buf)
	f.mu.Lock()
	if old, ok := f.subs[id]; ok {
		close(old)
	}
	f.subs[id] = ch
	f.mu.Unlock()
	return ch
}

func (f *Fanout) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *Fanout) Notify(n Notice) {
	for _, nx := range f.next {
		nx.Notify(n)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
