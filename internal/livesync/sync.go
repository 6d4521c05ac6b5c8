package livesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hubbridge/internal/assets"
	"github.com/danmuck/hubbridge/internal/catalog"
	"github.com/danmuck/hubbridge/internal/hub"
	"github.com/danmuck/hubbridge/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrStoreRequired     = errors.New("livesync: asset store required")
	ErrCommanderRequired = errors.New("livesync: commander required")
	ErrClosed            = errors.New("livesync: synchronizer closed")
)

// Commander issues fire-and-forget hub commands.
type Commander interface {
	InvokeService(ctx context.Context, cmd hub.Command)
}

type Config struct {
	// Domains limits inbound routing; empty accepts every stored record.
	Domains        []string
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:        2,
		QueueSize:      64,
		CommandTimeout: 10 * time.Second,
	}
}

// WriteIntent is a host request to change one attribute.
type WriteIntent struct {
	LinkageKey string
	Name       string
	Value      any
}

// Ack is returned to the host for every accepted write intent. It does not
// report command delivery.
type Ack struct {
	Command    *hub.Command
	Value      assets.Value
	Suppressed bool
	Dropped    bool
}

// Synchronizer reconciles hub state-change events into the store and turns
// local writes into hub commands. It keeps no attribute cache; the store is
// read on every operation.
type Synchronizer struct {
	store     assets.Store
	sink      assets.Sink
	commander Commander
	allow     catalog.AllowList
	timeout   time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan hub.Command
	wg     sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(store assets.Store, sink assets.Sink, commander Commander, cfg Config) (*Synchronizer, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if commander == nil {
		return nil, ErrCommanderRequired
	}
	if sink == nil {
		sink = assets.SinkFunc(func(assets.AttributeEvent) {})
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaults.CommandTimeout
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		store:     store,
		sink:      sink,
		commander: commander,
		allow:     catalog.NewAllowList(cfg.Domains),
		timeout:   cfg.CommandTimeout,
		now:       time.Now,
		queue:     make(chan hub.Command, cfg.QueueSize),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

// OnStateChange applies one inbound event and returns how many attributes
// changed.
func (s *Synchronizer) OnStateChange(ev hub.StateChangeEvent) int {
	key := strings.TrimSpace(ev.EntityID)
	domain := hub.DomainOf(key)
	rec, ok := s.store.Lookup(key)
	if !ok {
		observability.RecordInboundUpdate(domain, observability.OutcomeDropped)
		return 0
	}
	if len(s.allow) > 0 && !s.allow.Allows(rec.Domain) {
		observability.RecordInboundUpdate(domain, observability.OutcomeDropped)
		return 0
	}

	applied := 0
	if s.applyInbound(rec, assets.StateAttribute, ev.NewState) {
		applied++
	}
	names := make([]string, 0, len(ev.NewAttributes))
	for name := range ev.NewAttributes {
		if name == "" || name == assets.StateAttribute {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if s.applyInbound(rec, name, ev.NewAttributes[name]) {
			applied++
		}
	}
	return applied
}

func (s *Synchronizer) applyInbound(rec assets.Record, name string, raw any) bool {
	attr, ok := rec.Attribute(name)
	if !ok {
		return false
	}
	v, ok := assets.Coerce(attr.Value.Kind, raw)
	if !ok {
		observability.RecordInboundUpdate(rec.Domain, observability.OutcomeDropped)
		log.Debug().
			Str("entity_id", rec.LinkageKey).
			Str("attribute", name).
			Str("kind", attr.Value.Kind.String()).
			Msg("livesync.Synchronizer.OnStateChange coercion failed")
		return false
	}
	if v.Equal(attr.Value) {
		observability.RecordInboundUpdate(rec.Domain, observability.OutcomeSuppressed)
		return false
	}
	if _, err := s.store.WriteAttribute(rec.LinkageKey, name, v); err != nil {
		observability.RecordInboundUpdate(rec.Domain, observability.OutcomeDropped)
		log.Warn().Err(err).Str("entity_id", rec.LinkageKey).Str("attribute", name).Msg("livesync.Synchronizer.OnStateChange write failed")
		return false
	}
	observability.RecordInboundUpdate(rec.Domain, observability.OutcomeApplied)
	s.publish(rec, name, v, assets.SourceHub)
	return true
}

// OnLocalWrite relays a host write to the hub. A value equal to the stored
// one is acknowledged without a command. Dispatched writes are stored and
// acknowledged whether or not the hub call later succeeds.
func (s *Synchronizer) OnLocalWrite(ctx context.Context, intent WriteIntent) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	key := strings.TrimSpace(intent.LinkageKey)
	rec, ok := s.store.Lookup(key)
	if !ok {
		return Ack{}, fmt.Errorf("%w: %s", assets.ErrRecordNotFound, key)
	}
	attr, ok := rec.Attribute(intent.Name)
	if !ok {
		return Ack{}, fmt.Errorf("%w: %s/%s", assets.ErrAttributeNotFound, key, intent.Name)
	}
	v, ok := assets.Coerce(attr.Value.Kind, intent.Value)
	if !ok {
		return Ack{}, fmt.Errorf("%w: %s/%s expects %s", assets.ErrKindMismatch, key, intent.Name, attr.Value.Kind)
	}
	if v.Equal(attr.Value) {
		observability.RecordOutboundCommand(rec.Domain, "", observability.OutcomeSuppressed)
		return Ack{Value: v, Suppressed: true}, nil
	}

	cmd, ok := CommandFor(rec, intent.Name, v)
	if !ok {
		observability.RecordOutboundCommand(rec.Domain, "", observability.OutcomeDropped)
		log.Info().
			Str("entity_id", key).
			Str("domain", rec.Domain).
			Str("attribute", intent.Name).
			Msg("livesync.Synchronizer.OnLocalWrite no outbound mapping")
		return Ack{Value: v, Dropped: true}, nil
	}
	if err := s.enqueue(cmd); err != nil {
		return Ack{}, err
	}

	if _, err := s.store.WriteAttribute(key, intent.Name, v); err != nil {
		log.Warn().Err(err).Str("entity_id", key).Str("attribute", intent.Name).Msg("livesync.Synchronizer.OnLocalWrite store failed")
	} else {
		s.publish(rec, intent.Name, v, assets.SourceLocal)
	}
	return Ack{Command: &cmd, Value: v}, nil
}

func (s *Synchronizer) enqueue(cmd hub.Command) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- cmd:
		observability.RecordOutboundCommand(cmd.Domain, cmd.Service, observability.OutcomeDispatched)
	default:
		observability.RecordOutboundCommand(cmd.Domain, cmd.Service, observability.OutcomeFailed)
		log.Warn().
			Str("entity_id", cmd.EntityID).
			Str("service", cmd.Service).
			Int("queue", cap(s.queue)).
			Msg("livesync.Synchronizer.enqueue queue full, command dropped")
	}
	return nil
}

func (s *Synchronizer) worker() {
	defer s.wg.Done()
	for cmd := range s.queue {
		ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
		s.commander.InvokeService(ctx, cmd)
		cancel()
	}
}

func (s *Synchronizer) publish(rec assets.Record, name string, v assets.Value, source assets.Source) {
	s.sink.Publish(assets.AttributeEvent{
		RecordID:   rec.ID,
		LinkageKey: rec.LinkageKey,
		Name:       name,
		Value:      v,
		Source:     source,
		At:         s.now().UTC(),
	})
}

// Close stops accepting writes and waits for queued commands. Commands still
// running after one command timeout are cancelled.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn().Msg("livesync.Synchronizer.Close cancelling in-flight commands")
		s.cancel()
		<-done
	}
	s.cancel()
}
