package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

// Store owns the active Snapshot. Readers call Current and never block;
// reloads are serialized and validated before the pointer is swapped.
type Store struct {
	path   string
	lookup LookupEnv
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	cur atomic.Pointer[Snapshot]

	reloadMu sync.Mutex

	subsMu sync.Mutex
	subs   map[uint64]chan *Snapshot
	subSeq uint64
}

type Option func(*Store)

// WithEnv replaces os.LookupEnv for the environment overlay.
func WithEnv(lookup LookupEnv) Option { return func(s *Store) { s.lookup = lookup } }

func WithLogger(log logx.Logger) Option { return func(s *Store) { s.log = log } }

// WithBus publishes TypeConfigReloaded and TypeConfigRejected events.
func WithBus(bus eventbus.Bus) Option { return func(s *Store) { s.bus = bus } }

// ReloadEvent is the payload of config bus events.
type ReloadEvent struct {
	Version uint64
	Changed []string
	Err     error
}

// Load reads and validates the settings file and localization root. Any
// problem is returned as one or more joined *ConfigError values.
func Load(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, now: time.Now, subs: map[uint64]chan *Snapshot{}}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	snap, err := s.parse()
	if err != nil {
		return nil, err
	}
	snap.Version = 1
	s.cur.Store(snap)
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) SetLogger(log logx.Logger) { s.log = log }

// Current returns the active snapshot.
func (s *Store) Current() *Snapshot { return s.cur.Load() }

func (s *Store) parse() (*Snapshot, error) {
	doc, err := readDocument(s.path)
	if err != nil {
		return nil, err
	}
	snap, err := build(s.path, doc, s.lookup)
	if err != nil {
		return nil, err
	}
	snap.LoadedAt = s.now()
	return snap, nil
}

// Reload re-reads configuration. On error the active snapshot is untouched.
// changed is false when the content is identical to the active snapshot.
func (s *Store) Reload(ctx context.Context) (snap *Snapshot, changed bool, err error) {
	if err := ctx.Err(); err != nil {
		return s.Current(), false, err
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	prev := s.cur.Load()
	next, err := s.parse()
	if err != nil {
		s.log.Warn("config rejected; keeping previous snapshot", logx.Uint64("version", prev.Version), logx.Err(err))
		s.emit(eventbus.TypeConfigRejected, ReloadEvent{Version: prev.Version, Err: err})
		return prev, false, err
	}
	if next.hash == prev.hash {
		s.log.Debug("config unchanged", logx.Uint64("version", prev.Version))
		return prev, false, nil
	}

	next.Version = prev.Version + 1
	s.cur.Store(next)

	sections, attrs := Summarize(prev, next)
	attrs = append(attrs, logx.Uint64("version", next.Version), logx.Any("changed", sections))
	s.log.Info("config reloaded", attrs...)
	s.publish(next)
	s.emit(eventbus.TypeConfigReloaded, ReloadEvent{Version: next.Version, Changed: sections})
	return next, true, nil
}

func (s *Store) emit(typ string, ev ReloadEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

// Subscribe returns a channel that receives every committed snapshot. A slow
// subscriber only ever misses intermediate snapshots, never the latest one.
func (s *Store) Subscribe(buffer int) (<-chan *Snapshot, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Snapshot, buffer)
	s.subsMu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			close(ch)
			s.subsMu.Unlock()
		})
	}
}

func (s *Store) publish(snap *Snapshot) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Drop the oldest queued snapshot, then retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
			s.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}
