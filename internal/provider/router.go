package provider

import (
	"fmt"

	"github.com/openedx/ecommerce-worker/internal/config"
)

// Factory builds a delivery client for one site. Clients are constructed
// fresh per dispatch invocation, so they carry no cross-invocation state.
type Factory func(siteCode string, site config.Site) (DeliveryClient, error)

// Router selects the delivery platform for a site from its enable flags.
// Braze wins when both platforms are enabled, matching the rollout order of
// the marketing integrations.
type Router struct {
	sites     *config.Sites
	factories map[Kind]Factory
}

func NewRouter(sites *config.Sites) *Router {
	return &Router{
		sites:     sites,
		factories: make(map[Kind]Factory),
	}
}

// Register installs the client factory for a platform. Not safe for
// concurrent use; call during wiring, before dispatch starts.
func (r *Router) Register(kind Kind, factory Factory) {
	r.factories[kind] = factory
}

// ActiveKind returns the enabled platform for the site, or ErrNotEnabled
// when no channel is usable. Absent marketing configuration is an expected
// operational state, not a defect.
func (r *Router) ActiveKind(siteCode string) (Kind, error) {
	site := r.sites.Site(siteCode)
	switch {
	case site.Braze.Enabled:
		return KindBraze, nil
	case site.Sailthru.Enabled:
		return KindSailthru, nil
	default:
		return "", ErrNotEnabled
	}
}

// Enabled reports whether any delivery channel is usable for the site.
func (r *Router) Enabled(siteCode string) bool {
	_, err := r.ActiveKind(siteCode)
	return err == nil
}

// ClientFor returns a freshly constructed client for the site's active
// platform along with the platform kind.
func (r *Router) ClientFor(siteCode string) (DeliveryClient, Kind, error) {
	kind, err := r.ActiveKind(siteCode)
	if err != nil {
		return nil, "", err
	}

	factory, ok := r.factories[kind]
	if !ok {
		return nil, "", fmt.Errorf("no client factory registered for %s", kind)
	}

	client, err := factory(siteCode, r.sites.Site(siteCode))
	if err != nil {
		return nil, "", err
	}
	return client, kind, nil
}
