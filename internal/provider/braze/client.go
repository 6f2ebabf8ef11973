package braze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/openedx/ecommerce-worker/internal/config"
	"github.com/openedx/ecommerce-worker/internal/provider"
)

const (
	defaultTimeout = 5 * time.Second

	// defaultFromAlias is the from-name used when neither the request nor
	// the site configuration carries an alias. An empty alias would render
	// the sender as a bare " <address>".
	defaultFromAlias = "EdX Support Team"

	// messageSuccess and messageQueued are the only response messages the
	// API returns for an accepted request. Anything else is a failure even
	// when the transport status is 2xx.
	messageSuccess = "success"
	messageQueued  = "queued"

	rateLimitResetHeader = "X-RateLimit-Reset"
)

// Client talks to the Braze REST API on behalf of one site.
type Client struct {
	http     *resty.Client
	cfg      config.Braze
	siteCode string
	logger   *zap.Logger
}

// New builds a Braze client from site configuration. Returns
// provider.ErrNotEnabled when the channel is off for the site and a
// provider.ConfigError when required credentials are missing.
func New(siteCode string, site config.Site, logger *zap.Logger) (*Client, error) {
	cfg := site.Braze
	if !cfg.Enabled {
		return nil, provider.ErrNotEnabled
	}
	if strings.TrimSpace(cfg.RestAPIKey) == "" || strings.TrimSpace(cfg.AppID) == "" {
		return nil, &provider.ConfigError{
			Provider: provider.KindBraze,
			SiteCode: siteCode,
			Reason:   "rest api key and app id are required",
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetBaseURL(cfg.RestAPIURL).
		SetTimeout(defaultTimeout).
		SetAuthToken(cfg.RestAPIKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:     httpClient,
		cfg:      cfg,
		siteCode: siteCode,
		logger:   logger,
	}, nil
}

// NewDeliveryClient adapts New to the provider.Factory signature.
func NewDeliveryClient(logger *zap.Logger) provider.Factory {
	return func(siteCode string, site config.Site) (provider.DeliveryClient, error) {
		return New(siteCode, site, logger)
	}
}

// apiResponse is the envelope shared by every Braze endpoint this client
// uses; unrelated fields stay at their zero value per call.
type apiResponse struct {
	Message    string            `json:"message"`
	Errors     []json.RawMessage `json:"errors"`
	DispatchID string            `json:"dispatch_id"`
	Users      []exportedUser    `json:"users"`
	Emails     []json.RawMessage `json:"emails"`

	statusCode int
}

type exportedUser struct {
	ExternalID string `json:"external_id"`
}

func (r *apiResponse) ok() bool {
	return (r.Message == messageSuccess || r.Message == messageQueued) && len(r.Errors) == 0
}

func (r *apiResponse) errorStrings() []string {
	out := make([]string, 0, len(r.Errors))
	for _, raw := range r.Errors {
		out = append(out, strings.Trim(string(raw), `"`))
	}
	return out
}

// Send delivers one message through /messages/send. Recipients with a
// durable Braze profile are addressed by external id; the rest are
// provisioned an alias first and addressed by it.
func (c *Client) Send(ctx context.Context, req provider.SendRequest) (*provider.Outcome, error) {
	if len(req.Recipients) == 0 || strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.Body) == "" {
		return nil, &provider.Error{Message: "recipients, subject and body are required"}
	}

	resolved, err := c.resolveRecipients(ctx, req.Recipients)
	if err != nil {
		return nil, err
	}
	if err := c.provisionAliases(ctx, resolved.aliases); err != nil {
		return nil, err
	}

	email := map[string]any{
		"app_id":  c.cfg.AppID,
		"subject": req.Subject,
		"from":    c.fromAddress(req.SenderAlias),
		"body":    req.Body,
	}
	if req.ReplyTo != "" {
		email["reply_to"] = req.ReplyTo
	}
	if len(req.Attachments) > 0 {
		email["attachments"] = req.Attachments
	}

	message := map[string]any{
		"user_aliases":      resolved.aliases,
		"external_user_ids": resolved.externalIDs,
		"messages":          map[string]any{"email": email},
	}

	c.logger.Info("sending braze message",
		zap.String("siteCode", c.siteCode),
		zap.String("appId", redact(c.cfg.AppID)),
		zap.String("endpoint", c.cfg.MessagesSendEndpoint),
		zap.Int("recipientCount", len(req.Recipients)),
	)

	resp, err := c.post(ctx, c.cfg.MessagesSendEndpoint, message)
	if err != nil {
		return nil, err
	}

	return &provider.Outcome{
		Success:    true,
		DispatchID: resp.DispatchID,
		StatusCode: resp.statusCode,
	}, nil
}

// SendCampaign triggers an API-triggered campaign send, one request per
// recipient, through /campaigns/trigger/send.
func (c *Client) SendCampaign(ctx context.Context, req provider.SendRequest) (map[string]*provider.Outcome, error) {
	if len(req.Recipients) == 0 || strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.Body) == "" {
		return nil, &provider.Error{Message: "recipients, subject and body are required"}
	}

	campaignID := req.CampaignID
	if campaignID == "" {
		campaignID = c.cfg.EnterpriseCampaignID
	}

	outcomes := make(map[string]*provider.Outcome, len(req.Recipients))
	for _, email := range req.Recipients {
		externalID, err := c.ExternalID(ctx, email)
		if err != nil {
			return nil, err
		}

		message := map[string]any{
			"campaign_id": campaignID,
			"recipients": []map[string]any{{
				"external_user_id": aliasName + "-" + email,
				"trigger_properties": map[string]any{
					"sender_alias": req.SenderAlias,
					"subject":      req.Subject,
					"body":         req.Body,
				},
				"send_to_existing_only": externalID != "",
				"attributes":            map[string]any{"email": email},
			}},
		}

		resp, err := c.post(ctx, c.cfg.CampaignSendEndpoint, message)
		if err != nil {
			return nil, err
		}
		outcomes[email] = &provider.Outcome{
			Success:    true,
			DispatchID: resp.DispatchID,
			StatusCode: resp.statusCode,
		}
	}
	return outcomes, nil
}

// DidBounce reports whether the address appears in /email/hard_bounces.
func (c *Client) DidBounce(ctx context.Context, email string) (bool, error) {
	if strings.TrimSpace(email) == "" {
		return false, &provider.Error{Message: "email is required for bounce check"}
	}

	resp, err := c.get(ctx, c.cfg.EmailBounceEndpoint, map[string]string{"email": email})
	if err != nil {
		return false, err
	}
	return len(resp.Emails) > 0, nil
}

// ExternalID looks up the durable profile id for an address through
// /users/export/ids. Empty means the account does not exist yet.
func (c *Client) ExternalID(ctx context.Context, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", &provider.Error{Message: "email is required for account lookup"}
	}

	body := map[string]any{
		"email_address":    email,
		"fields_to_export": []string{"external_id"},
	}
	resp, err := c.post(ctx, c.cfg.ExportIDEndpoint, body)
	if err != nil {
		return "", err
	}
	if len(resp.Users) > 0 {
		return resp.Users[0].ExternalID, nil
	}
	return "", nil
}

func (c *Client) post(ctx context.Context, endpoint string, body any) (*apiResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return nil, transportError(err)
	}
	return classify(resp)
}

func (c *Client) get(ctx context.Context, endpoint string, params map[string]string) (*apiResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(endpoint)
	if err != nil {
		return nil, transportError(err)
	}
	return classify(resp)
}

func transportError(err error) *provider.Error {
	return &provider.Error{
		Message:   "braze request failed",
		Transient: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}

// classify maps a raw response onto the retry taxonomy: 429 and 5xx are
// transient, everything else that is not a semantic success is a permanent
// client error. Success is not the HTTP status alone; the body message and
// error list decide.
func classify(resp *resty.Response) (*apiResponse, error) {
	status := resp.StatusCode()

	if status == http.StatusTooManyRequests {
		return nil, &provider.Error{
			StatusCode: status,
			Message:    "braze rate limit exceeded",
			Transient:  true,
			RetryAfter: rateLimitReset(resp),
		}
	}
	if status >= http.StatusInternalServerError {
		return nil, &provider.Error{
			StatusCode: status,
			Message:    "braze internal server error",
			Transient:  true,
		}
	}

	var parsed apiResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, &provider.Error{
			StatusCode: status,
			Message:    "braze response is not valid JSON",
			Cause:      err,
		}
	}
	parsed.statusCode = status

	if !parsed.ok() {
		return nil, &provider.Error{
			StatusCode: status,
			Message:    fmt.Sprintf("braze rejected the request: %s", parsed.Message),
			Errors:     parsed.errorStrings(),
		}
	}
	return &parsed, nil
}

func rateLimitReset(resp *resty.Response) time.Time {
	epoch, err := strconv.ParseFloat(strings.TrimSpace(resp.Header().Get(rateLimitResetHeader)), 64)
	if err != nil || epoch <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(epoch), 0)
}

// redact keeps only a prefix/suffix fragment of an identifier for logging.
func redact(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// fromAddress builds the sender field, falling back to the site's alias and
// then the support-team default so the from-name is never empty.
func (c *Client) fromAddress(senderAlias string) string {
	alias := sanitizeSenderAlias(senderAlias)
	if alias == "" {
		alias = sanitizeSenderAlias(c.cfg.FromAlias)
	}
	if alias == "" {
		alias = defaultFromAlias
	}
	return alias + c.cfg.FromEmail
}

// sanitizeSenderAlias strips punctuation the messaging API rejects in the
// from-name portion of the sender address.
func sanitizeSenderAlias(alias string) string {
	var b strings.Builder
	for _, r := range alias {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
