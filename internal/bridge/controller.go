package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hubbridge/internal/assets"
	"github.com/danmuck/hubbridge/internal/catalog"
	"github.com/danmuck/hubbridge/internal/hub"
	"github.com/danmuck/hubbridge/internal/livesync"
	"github.com/danmuck/hubbridge/internal/observability"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBaseURLRequired    = hub.ErrBaseURLRequired
	ErrTokenRequired      = hub.ErrTokenRequired
	ErrHubUnreachable     = errors.New("bridge: hub unreachable")
	ErrAlreadyStarted     = errors.New("bridge: controller already started")
	ErrNotStarted         = errors.New("bridge: controller not started")
	ErrReconnectExhausted = errors.New("bridge: stream reconnect attempts exhausted")
)

// ConnectionStatus is the connectivity state surfaced to the host.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// SessionConfig bounds stream connects and reconnects.
type SessionConfig struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Backoff          BackoffConfig
	// MaxConnectAttempts stops the reconnect loop after N consecutive
	// failures; 0 retries forever.
	MaxConnectAttempts int
}

type Config struct {
	Name               string
	BaseURL            string
	Token              string
	Domains            []string
	AttributeBlacklist []string
	// DiscoveryInterval re-runs discovery periodically; 0 runs it once.
	DiscoveryInterval time.Duration
	RequestTimeout    time.Duration
	Workers           int
	QueueSize         int
	CommandTimeout    time.Duration
	AdminListenAddr   string
	// AdminToken guards admin write routes with a bearer token when set.
	AdminToken   string
	CORSOrigins  []string
	EventLogSize int
	TLS          TLSConfig
	Session      SessionConfig
}

func DefaultConfig() Config {
	return Config{
		Name:               "hubbridge",
		Domains:            []string{catalog.DomainLight, catalog.DomainSwitch, catalog.DomainBinarySensor, catalog.DomainSensor},
		AttributeBlacklist: append([]string(nil), catalog.DefaultBlacklist...),
		RequestTimeout:     10 * time.Second,
		Workers:            2,
		QueueSize:          64,
		CommandTimeout:     10 * time.Second,
		EventLogSize:       256,
		Session: SessionConfig{
			ConnectTimeout:   5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
			Backoff: BackoffConfig{
				InitialDelay: 500 * time.Millisecond,
				Multiplier:   2.0,
				MaxDelay:     30 * time.Second,
				Jitter:       true,
			},
		},
	}
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrBaseURLRequired
	}
	if strings.TrimSpace(c.Token) == "" {
		return ErrTokenRequired
	}
	if len(catalog.NewAllowList(c.Domains)) == 0 {
		return catalog.ErrNoDomains
	}
	return nil
}

type Option func(*Controller)

// WithStore replaces the in-memory asset store with a host store.
func WithStore(store assets.Store) Option {
	return func(c *Controller) {
		if store != nil {
			c.store = store
		}
	}
}

// WithSink forwards attribute notifications to a host sink in addition to
// the controller's event log.
func WithSink(sink assets.Sink) Option {
	return func(c *Controller) { c.hostSink = sink }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Controller) { c.httpClient = client }
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Controller) { c.dialer = dialer }
}

// Controller wires the hub clients, discovery, and synchronizer, and owns
// the stream reconnect policy.
type Controller struct {
	cfg        Config
	store      assets.Store
	events     *assets.EventLog
	hostSink   assets.Sink
	httpClient *http.Client
	dialer     *websocket.Dialer
	appeared   time.Time

	status  atomic.Value
	started atomic.Bool

	mu         sync.Mutex
	client     *hub.Client
	discoverer *catalog.Discoverer
	sync       *livesync.Synchronizer
	stream     *hub.Stream
	gate       *eventGate
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	lastErr    error
	lastPass   time.Time
	lastResync time.Time
	rng        *rand.Rand
}

func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		store:    assets.NewMemoryStore(),
		events:   assets.NewEventLog(cfg.EventLogSize),
		appeared: time.Now(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if strings.TrimSpace(c.cfg.Name) == "" {
		c.cfg.Name = "hubbridge"
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.Store(StatusDisconnected)
	return c
}

func (c *Controller) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

func (c *Controller) setStatus(next ConnectionStatus) {
	prev := c.status.Swap(next)
	if prev != next {
		log.Info().Str("bridge", c.cfg.Name).Str("status", string(next)).Msg("bridge.Controller.status")
	}
}

// Store returns the asset store backing the bridge.
func (c *Controller) Store() assets.Store {
	return c.store
}

// Events returns recent attribute notifications, oldest first.
func (c *Controller) Events() []assets.AttributeEvent {
	return c.events.Snapshot()
}

// Err reports the last terminal supervision error, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Run starts the bridge and blocks until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

// Start validates config, checks the hub, runs the first discovery pass, and
// starts stream supervision. Loops stop when ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := c.start(ctx); err != nil {
		c.setStatus(StatusDisconnected)
		c.started.Store(false)
		return err
	}
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		log.Error().Err(err).Str("bridge", c.cfg.Name).Msg("bridge.Controller.Start invalid config")
		return err
	}
	observability.RegisterMetrics()

	httpClient, dialer, err := c.transports()
	if err != nil {
		log.Error().Err(err).Str("bridge", c.cfg.Name).Msg("bridge.Controller.Start tls setup failed")
		return err
	}
	client, err := hub.NewClient(hub.ClientConfig{
		BaseURL:    c.cfg.BaseURL,
		Token:      c.cfg.Token,
		HTTPClient: httpClient,
	})
	if err != nil {
		return err
	}
	discoverer, err := catalog.NewDiscoverer(c.store, catalog.Config{
		Domains:   c.cfg.Domains,
		Blacklist: c.cfg.AttributeBlacklist,
	})
	if err != nil {
		return err
	}

	healthCtx, cancel := c.requestContext(ctx)
	healthy := client.HealthCheck(healthCtx)
	cancel()
	if !healthy {
		log.Error().Str("bridge", c.cfg.Name).Str("base_url", client.BaseURL()).Msg("bridge.Controller.Start hub unreachable")
		return fmt.Errorf("%w: %s", ErrHubUnreachable, client.BaseURL())
	}

	synchronizer, err := livesync.New(c.store, assets.SinkFunc(c.publish), client, livesync.Config{
		Domains:        c.cfg.Domains,
		Workers:        c.cfg.Workers,
		QueueSize:      c.cfg.QueueSize,
		CommandTimeout: c.cfg.CommandTimeout,
	})
	if err != nil {
		return err
	}
	gate := newEventGate(func(ev hub.StateChangeEvent) {
		synchronizer.OnStateChange(ev)
	})
	stream, err := hub.NewStream(hub.StreamConfig{
		BaseURL:          c.cfg.BaseURL,
		Token:            c.cfg.Token,
		ConnectTimeout:   c.cfg.Session.ConnectTimeout,
		HandshakeTimeout: c.cfg.Session.HandshakeTimeout,
		WriteTimeout:     c.cfg.Session.WriteTimeout,
		Dialer:           dialer,
		OnStateChange:    c.onStreamState,
	}, gate.Dispatch)
	if err != nil {
		synchronizer.Close()
		return err
	}

	runCtx, runCancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.client = client
	c.discoverer = discoverer
	c.sync = synchronizer
	c.stream = stream
	c.gate = gate
	c.cancel = runCancel
	c.lastErr = nil
	c.mu.Unlock()

	if _, err := c.Discover(runCtx); err != nil {
		log.Warn().Err(err).Str("bridge", c.cfg.Name).Msg("bridge.Controller.Start initial discovery failed")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.superviseStream(runCtx)
	}()
	if c.cfg.DiscoveryInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.discoveryLoop(runCtx)
		}()
	}
	if addr := strings.TrimSpace(c.cfg.AdminListenAddr); addr != "" {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.serveAdmin(runCtx, addr); err != nil {
				log.Error().Err(err).Str("addr", addr).Msg("bridge.Controller.admin stopped")
			}
		}()
	}

	log.Info().
		Str("bridge", c.cfg.Name).
		Str("base_url", client.BaseURL()).
		Strs("domains", catalog.NewAllowList(c.cfg.Domains).Domains()).
		Msg("bridge.Controller.Start")
	return nil
}

// Stop cancels the loops, closes the stream, and lets queued commands finish
// or fail silently.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	stream := c.stream
	synchronizer := c.sync
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	if stream != nil {
		_ = stream.Disconnect()
	}
	c.wg.Wait()
	if stream != nil {
		_ = stream.Disconnect()
	}
	if synchronizer != nil {
		synchronizer.Close()
	}
	c.setStatus(StatusDisconnected)
	c.started.Store(false)
	log.Info().Str("bridge", c.cfg.Name).Msg("bridge.Controller.Stop")
}

// WriteAttribute relays a host write intent through the synchronizer.
func (c *Controller) WriteAttribute(ctx context.Context, linkageKey, name string, raw any) (livesync.Ack, error) {
	c.mu.Lock()
	synchronizer := c.sync
	running := c.cancel != nil
	c.mu.Unlock()
	if !running || synchronizer == nil {
		return livesync.Ack{}, ErrNotStarted
	}
	return synchronizer.OnLocalWrite(ctx, livesync.WriteIntent{
		LinkageKey: linkageKey,
		Name:       name,
		Value:      raw,
	})
}

// Discover runs one discovery pass against the current hub snapshot.
func (c *Controller) Discover(ctx context.Context) (catalog.Result, error) {
	c.mu.Lock()
	client := c.client
	discoverer := c.discoverer
	c.mu.Unlock()
	if client == nil || discoverer == nil {
		return catalog.Result{}, ErrNotStarted
	}

	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	res, err := discoverer.Run(reqCtx, client)
	if err != nil {
		return res, err
	}
	c.mu.Lock()
	c.lastPass = time.Now()
	c.mu.Unlock()
	return res, nil
}

// LastDiscovery reports when the last successful discovery pass finished.
func (c *Controller) LastDiscovery() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPass
}

// LastResync reports when the last post-subscribe resync finished.
func (c *Controller) LastResync() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResync
}

func (c *Controller) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Discover(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("bridge", c.cfg.Name).Msg("bridge.Controller.discoveryLoop pass failed")
			}
		}
	}
}

// superviseStream keeps the event stream subscribed. Consecutive connect
// failures back off exponentially; an auth rejection or exhausting
// MaxConnectAttempts ends supervision.
func (c *Controller) superviseStream(ctx context.Context) {
	c.mu.Lock()
	stream := c.stream
	gate := c.gate
	c.mu.Unlock()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		gate.Hold()
		err := stream.Connect(ctx)
		if err != nil {
			gate.Release()
			if ctx.Err() != nil {
				return
			}
			attempt++
			log.Warn().Err(err).Int("attempt", attempt).Str("bridge", c.cfg.Name).Msg("bridge.Controller.superviseStream connect failed")
			if errors.Is(err, hub.ErrAuthRejected) {
				c.fail(err)
				return
			}
			if limit := c.cfg.Session.MaxConnectAttempts; limit > 0 && attempt >= limit {
				c.fail(fmt.Errorf("%w: %d attempts: %v", ErrReconnectExhausted, attempt, err))
				return
			}
			if err := waitBackoff(ctx, c.cfg.Session.Backoff, attempt, c.rng); err != nil {
				return
			}
			continue
		}

		attempt = 0
		c.resync(ctx, gate)

		select {
		case <-ctx.Done():
			_ = stream.Disconnect()
			return
		case <-stream.Done():
			log.Warn().Err(stream.Err()).Str("bridge", c.cfg.Name).Msg("bridge.Controller.superviseStream stream lost")
		}
	}
}

// resync catches up on changes missed before the subscription was live:
// new entities are discovered and known ones are reconciled from the
// snapshot. Events received meanwhile are held by gate and replayed after
// the snapshot, so the snapshot never wins over a newer event.
func (c *Controller) resync(ctx context.Context, gate *eventGate) {
	c.mu.Lock()
	client := c.client
	discoverer := c.discoverer
	synchronizer := c.sync
	c.mu.Unlock()

	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	entities, err := client.ListEntities(reqCtx)
	if err != nil {
		replayed := gate.Release()
		if ctx.Err() == nil {
			log.Warn().Err(err).Int("replayed", replayed).Str("bridge", c.cfg.Name).Msg("bridge.Controller.resync snapshot failed")
		}
		return
	}
	res := discoverer.Discover(entities)
	applied := 0
	for _, ent := range entities {
		applied += synchronizer.OnStateChange(hub.StateChangeEvent{
			EntityID:      ent.EntityID,
			NewState:      ent.State,
			NewAttributes: ent.Attributes,
		})
	}
	replayed := gate.Release()

	now := time.Now()
	c.mu.Lock()
	c.lastPass = now
	c.lastResync = now
	c.mu.Unlock()
	log.Info().
		Str("bridge", c.cfg.Name).
		Int("created", len(res.Created)).
		Int("applied", applied).
		Int("replayed", replayed).
		Msg("bridge.Controller.resync")
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.setStatus(StatusDisconnected)
	log.Error().Err(err).Str("bridge", c.cfg.Name).Msg("bridge.Controller.superviseStream giving up")
}

func (c *Controller) onStreamState(s hub.StreamState) {
	switch s {
	case hub.StateSubscribed:
		c.setStatus(StatusConnected)
	case hub.StateDisconnected:
		c.setStatus(StatusDisconnected)
	default:
		c.setStatus(StatusConnecting)
	}
}

func (c *Controller) publish(ev assets.AttributeEvent) {
	c.events.Publish(ev)
	if c.hostSink != nil {
		c.hostSink.Publish(ev)
	}
}

func (c *Controller) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}
