package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/hubbridge/internal/assets"
	"github.com/danmuck/hubbridge/internal/hub"
)

var (
	ErrNoDomains     = errors.New("catalog: no importable domains")
	ErrInvalidDomain = errors.New("catalog: invalid domain")
)

const (
	DomainLight        = "light"
	DomainSwitch       = "switch"
	DomainBinarySensor = "binary_sensor"
	DomainSensor       = "sensor"
)

const defaultIcon = "cube-outline"

// Profile carries per-domain metadata and the attribute shape a new record
// starts with. Unknown domains fall back to the default profile.
type Profile struct {
	Domain   string
	Icon     string
	Color    string
	Services []string
	Preseed  map[string]assets.Value
}

// Writable reports whether local writes to records of this domain are
// relayed to the hub.
func (p Profile) Writable() bool {
	return len(p.Services) > 0
}

// Allows reports whether service is an outbound service for this domain.
func (p Profile) Allows(service string) bool {
	for _, s := range p.Services {
		if s == service {
			return true
		}
	}
	return false
}

var profiles = map[string]Profile{
	DomainLight: {
		Domain:   DomainLight,
		Icon:     "lightbulb",
		Services: []string{hub.ServiceToggle, hub.ServiceTurnOn, hub.ServiceTurnOff},
		Preseed:  map[string]assets.Value{"brightness": assets.Int(0)},
	},
	DomainSwitch: {
		Domain:   DomainSwitch,
		Icon:     "toggle-switch-outline",
		Services: []string{hub.ServiceToggle, hub.ServiceTurnOn, hub.ServiceTurnOff},
	},
	DomainBinarySensor: {
		Domain: DomainBinarySensor,
		Icon:   "motion-sensor",
		Color:  "2386f0",
	},
	DomainSensor: {
		Domain: DomainSensor,
		Icon:   "motion-sensor",
		Color:  "2386f0",
	},
}

// ProfileFor returns the profile registered for domain, or a generic one.
func ProfileFor(domain string) Profile {
	if p, ok := profiles[domain]; ok {
		return p
	}
	return Profile{Domain: domain, Icon: defaultIcon, Color: "03a6f0"}
}

// KnownDomains lists the domains with a dedicated profile, sorted.
func KnownDomains() []string {
	out := make([]string, 0, len(profiles))
	for d := range profiles {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ParseDomains splits a comma separated allow-list. Entries are trimmed and
// deduplicated; order of first appearance is kept.
func ParseDomains(raw string) ([]string, error) {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		d := strings.ToLower(strings.TrimSpace(part))
		if d == "" {
			continue
		}
		if strings.ContainsAny(d, ". \t") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, part)
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, ErrNoDomains
	}
	return out, nil
}

// AllowList is a set of importable domains.
type AllowList map[string]struct{}

func NewAllowList(domains []string) AllowList {
	out := make(AllowList, len(domains))
	for _, d := range domains {
		d = strings.TrimSpace(d)
		if d != "" {
			out[d] = struct{}{}
		}
	}
	return out
}

func (a AllowList) Allows(domain string) bool {
	_, ok := a[domain]
	return ok
}

// Domains returns the allow-list members, sorted.
func (a AllowList) Domains() []string {
	out := make([]string, 0, len(a))
	for d := range a {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
