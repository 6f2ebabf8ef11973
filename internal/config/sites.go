package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Braze holds per-site Braze credentials, endpoints and retry policy.
type Braze struct {
	Enabled              bool   `mapstructure:"enabled"`
	RestAPIKey           string `mapstructure:"rest_api_key"`
	AppID                string `mapstructure:"app_id"`
	RestAPIURL           string `mapstructure:"rest_api_url"`
	MessagesSendEndpoint string `mapstructure:"messages_send_endpoint"`
	EmailBounceEndpoint  string `mapstructure:"email_bounce_endpoint"`
	NewAliasEndpoint     string `mapstructure:"new_alias_endpoint"`
	UsersTrackEndpoint   string `mapstructure:"users_track_endpoint"`
	ExportIDEndpoint     string `mapstructure:"export_id_endpoint"`
	CampaignSendEndpoint string `mapstructure:"campaign_send_endpoint"`
	EnterpriseCampaignID string `mapstructure:"enterprise_campaign_id"`
	FromEmail            string `mapstructure:"from_email"`
	FromAlias            string `mapstructure:"from_alias"`
	RetrySeconds         int    `mapstructure:"retry_seconds"`
	RetryAttempts        int    `mapstructure:"retry_attempts"`
}

// Sailthru holds per-site Sailthru credentials, templates and retry policy.
type Sailthru struct {
	Enabled         bool              `mapstructure:"enabled"`
	Key             string            `mapstructure:"key"`
	Secret          string            `mapstructure:"secret"`
	APIURL          string            `mapstructure:"api_url"`
	RetrySeconds    int               `mapstructure:"retry_seconds"`
	RetryAttempts   int               `mapstructure:"retry_attempts"`
	CacheTTLSeconds int               `mapstructure:"cache_ttl_seconds"`
	Templates       map[string]string `mapstructure:"templates"`

	// AbandonedCartDelayMinutes is how long after an incomplete purchase
	// the platform sends the reminder template.
	AbandonedCartDelayMinutes int `mapstructure:"abandoned_cart_delay_minutes"`
}

// Ecommerce holds the order-management API credentials for a site.
type Ecommerce struct {
	APIRoot      string `mapstructure:"api_root"`
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// Site is the full configuration for one tenant. Read-only at dispatch time.
type Site struct {
	Braze                  Braze     `mapstructure:"braze"`
	Sailthru               Sailthru  `mapstructure:"sailthru"`
	Ecommerce              Ecommerce `mapstructure:"ecommerce"`
	MaxFulfillmentRetries  int       `mapstructure:"max_fulfillment_retries"`
	MaxNotificationRetries int       `mapstructure:"max_notification_retries"`
}

const (
	defaultRetrySeconds    = 30
	defaultRetryAttempts   = 6
	defaultCacheTTLSeconds = 3600

	defaultAbandonedCartDelayMinutes = 60
)

// CacheTTL returns the course-content cache lifetime for the site.
func (s Sailthru) CacheTTL() time.Duration {
	if s.CacheTTLSeconds <= 0 {
		return defaultCacheTTLSeconds * time.Second
	}
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

// Sites resolves per-site configuration with fallback to a default block,
// mirroring how site overrides layer on top of base settings.
type Sites struct {
	defaults Site
	byCode   map[string]Site
}

// LoadSites reads the per-site configuration file (YAML, JSON or TOML).
func LoadSites(path string) (*Sites, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read sites config %q: %w", path, err)
	}

	var raw struct {
		Default Site            `mapstructure:"default"`
		Sites   map[string]Site `mapstructure:"sites"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse sites config %q: %w", path, err)
	}

	byCode := make(map[string]Site, len(raw.Sites))
	for code, site := range raw.Sites {
		applySiteDefaults(&site)
		byCode[normalizeSiteCode(code)] = site
	}
	applySiteDefaults(&raw.Default)

	return &Sites{defaults: raw.Default, byCode: byCode}, nil
}

// Site returns the configuration for the given site code, falling back to
// the default block when no site-specific override exists.
func (s *Sites) Site(code string) Site {
	if site, ok := s.byCode[normalizeSiteCode(code)]; ok {
		return site
	}
	return s.defaults
}

func normalizeSiteCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func applySiteDefaults(site *Site) {
	b := &site.Braze
	setIfEmpty(&b.RestAPIURL, "https://rest.iad-06.braze.com")
	setIfEmpty(&b.MessagesSendEndpoint, "/messages/send")
	setIfEmpty(&b.EmailBounceEndpoint, "/email/hard_bounces")
	setIfEmpty(&b.NewAliasEndpoint, "/users/alias/new")
	setIfEmpty(&b.UsersTrackEndpoint, "/users/track")
	setIfEmpty(&b.ExportIDEndpoint, "/users/export/ids")
	setIfEmpty(&b.CampaignSendEndpoint, "/campaigns/trigger/send")
	if b.RetrySeconds <= 0 {
		b.RetrySeconds = defaultRetrySeconds
	}
	if b.RetryAttempts <= 0 {
		b.RetryAttempts = defaultRetryAttempts
	}

	st := &site.Sailthru
	setIfEmpty(&st.APIURL, "https://api.sailthru.com")
	if st.RetrySeconds <= 0 {
		st.RetrySeconds = defaultRetrySeconds
	}
	if st.RetryAttempts <= 0 {
		st.RetryAttempts = defaultRetryAttempts
	}
	if st.AbandonedCartDelayMinutes <= 0 {
		st.AbandonedCartDelayMinutes = defaultAbandonedCartDelayMinutes
	}
}

func setIfEmpty(target *string, value string) {
	if strings.TrimSpace(*target) == "" {
		*target = value
	}
}
