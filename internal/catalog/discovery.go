package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hubbridge/internal/assets"
	"github.com/danmuck/hubbridge/internal/hub"
	"github.com/danmuck/hubbridge/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrStoreRequired = errors.New("catalog: asset store required")

// DefaultBlacklist holds attribute-name fragments that are never imported.
var DefaultBlacklist = []string{"min", "max", "supported_features"}

const friendlyNameAttribute = "friendly_name"

type Config struct {
	Domains []string
	// Blacklist entries are matched as substrings of attribute names. Nil
	// means DefaultBlacklist; an empty non-nil slice disables filtering.
	Blacklist []string
}

// Lister is the snapshot source used by Run.
type Lister interface {
	ListEntities(ctx context.Context) ([]hub.Entity, error)
}

// Result summarizes one discovery pass.
type Result struct {
	Created []assets.Record
	// Known counts entities skipped because a record already exists.
	Known int
	// Filtered counts entities skipped by the domain allow-list.
	Filtered int
	// Groups counts created records per domain.
	Groups map[string]int
}

// Discoverer turns hub entity snapshots into new local records. Passes are
// serialized; the store's create-if-absent keeps them idempotent.
type Discoverer struct {
	store     assets.Store
	allow     AllowList
	blacklist []string

	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

func NewDiscoverer(store assets.Store, cfg Config) (*Discoverer, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	allow := NewAllowList(cfg.Domains)
	if len(allow) == 0 {
		return nil, ErrNoDomains
	}
	blacklist := cfg.Blacklist
	if blacklist == nil {
		blacklist = DefaultBlacklist
	}
	cleaned := make([]string, 0, len(blacklist))
	for _, b := range blacklist {
		if b = strings.TrimSpace(b); b != "" {
			cleaned = append(cleaned, b)
		}
	}
	return &Discoverer{
		store:     store,
		allow:     allow,
		blacklist: cleaned,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// AllowList returns the importable domains.
func (d *Discoverer) AllowList() AllowList {
	return d.allow
}

// Discover runs one pass over entities in snapshot order.
func (d *Discoverer) Discover(entities []hub.Entity) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := Result{Groups: make(map[string]int)}
	for _, ent := range entities {
		key := strings.TrimSpace(ent.EntityID)
		if key == "" {
			continue
		}
		if d.store.Contains(key) {
			res.Known++
			continue
		}
		domain := hub.DomainOf(key)
		if !d.allow.Allows(domain) {
			res.Filtered++
			continue
		}

		rec := d.Materialize(ent)
		stored, created, err := d.store.CreateIfAbsent(rec)
		if err != nil {
			log.Warn().Err(err).Str("entity_id", key).Msg("catalog.Discoverer.Discover create failed")
			continue
		}
		if !created {
			res.Known++
			continue
		}
		res.Created = append(res.Created, stored)
		res.Groups[domain]++
		observability.RecordDiscoveredRecord(domain)
		log.Debug().
			Str("entity_id", key).
			Str("record_id", stored.ID).
			Int("attributes", len(stored.Attributes)).
			Msg("catalog.Discoverer.Discover created")
	}

	log.Info().
		Int("entities", len(entities)).
		Int("created", len(res.Created)).
		Int("known", res.Known).
		Int("filtered", res.Filtered).
		Msg("catalog.Discoverer.Discover")
	return res
}

// Run fetches a snapshot and discovers it. A failed fetch is an empty pass;
// the error is returned for the caller to decide on a retry.
func (d *Discoverer) Run(ctx context.Context, lister Lister) (Result, error) {
	entities, err := lister.ListEntities(ctx)
	if err != nil {
		return Result{Groups: map[string]int{}}, err
	}
	return d.Discover(entities), nil
}

// Materialize builds the typed record for one entity without storing it.
func (d *Discoverer) Materialize(ent hub.Entity) assets.Record {
	key := strings.TrimSpace(ent.EntityID)
	domain := hub.DomainOf(key)
	profile := ProfileFor(domain)

	rec := assets.Record{
		ID:         d.newID(),
		LinkageKey: key,
		Domain:     domain,
		Group:      domain,
		Icon:       profile.Icon,
		Color:      profile.Color,
		CreatedAt:  d.now().UTC(),
	}
	for name, v := range profile.Preseed {
		rec.Set(name, v)
	}
	rec.Set(assets.StateAttribute, assets.StateValue(ent.State))

	for name, raw := range ent.Attributes {
		if !d.importable(name) {
			continue
		}
		v, ok := assets.Infer(raw)
		if !ok {
			continue
		}
		rec.Set(name, v)
	}
	if attr, ok := rec.Attribute(friendlyNameAttribute); ok && attr.Value.Kind == assets.KindText {
		rec.Name = attr.Value.Text
	}
	if rec.Name == "" {
		rec.Name = key
	}
	return rec
}

func (d *Discoverer) importable(name string) bool {
	if name == "" || name == assets.StateAttribute {
		return false
	}
	for _, b := range d.blacklist {
		if strings.Contains(name, b) {
			return false
		}
	}
	return true
}
