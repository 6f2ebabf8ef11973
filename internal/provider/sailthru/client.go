package sailthru

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/openedx/ecommerce-worker/internal/config"
	"github.com/openedx/ecommerce-worker/internal/provider"
)

const defaultTimeout = 5 * time.Second

// Error codes the API documents as safe to resubmit:
// 9 is an internal error, 43 is a per-minute endpoint rate limit.
const (
	codeInternalError = 9
	codeRateLimited   = 43
)

// Client talks to the Sailthru API on behalf of one site. Sailthru renders
// content server-side, so sends address a template plus variables rather
// than a rendered subject/body.
type Client struct {
	http     *resty.Client
	cfg      config.Sailthru
	siteCode string
	logger   *zap.Logger
}

// New builds a Sailthru client from site configuration.
func New(siteCode string, site config.Site, logger *zap.Logger) (*Client, error) {
	cfg := site.Sailthru
	if !cfg.Enabled {
		return nil, provider.ErrNotEnabled
	}
	if strings.TrimSpace(cfg.Key) == "" || strings.TrimSpace(cfg.Secret) == "" {
		return nil, &provider.ConfigError{
			Provider: provider.KindSailthru,
			SiteCode: siteCode,
			Reason:   "both key and secret are required",
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(defaultTimeout).
		SetAuthToken(cfg.Key).
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

type apiResponse struct {
	SendID    string `json:"send_id"`
	ErrorCode int    `json:"error"`
	ErrorMsg  string `json:"errormsg"`

	raw        json.RawMessage
	statusCode int
}

// Send delivers one templated message through /send. A single recipient uses
// the email field, multiple recipients the comma-separated emails field.
func (c *Client) Send(ctx context.Context, req provider.SendRequest) (*provider.Outcome, error) {
	if len(req.Recipients) == 0 {
		return nil, &provider.Error{Message: "at least one recipient is required"}
	}
	if strings.TrimSpace(req.Template) == "" {
		return nil, &provider.Error{Message: "a send template is required"}
	}

	body := map[string]any{
		"template": req.Template,
		"vars":     req.TemplateVars,
	}
	if len(req.Recipients) == 1 {
		body["email"] = req.Recipients[0]
	} else {
		body["emails"] = strings.Join(req.Recipients, ",")
	}

	c.logger.Info("sending sailthru message",
		zap.String("siteCode", c.siteCode),
		zap.String("template", req.Template),
		zap.Int("recipientCount", len(req.Recipients)),
	)

	resp, err := c.post(ctx, "/send", body)
	if err != nil {
		return nil, err
	}

	return &provider.Outcome{
		Success:    true,
		DispatchID: resp.SendID,
		StatusCode: resp.statusCode,
	}, nil
}

// DidBounce always reports false: the platform exposes no bounce export.
func (c *Client) DidBounce(ctx context.Context, email string) (bool, error) {
	return false, nil
}

// ExternalID always reports absent: the platform addresses recipients by
// email and has no anonymous/durable profile split.
func (c *Client) ExternalID(ctx context.Context, email string) (string, error) {
	return "", nil
}

// Content fetches a content-library record for a course URL.
func (c *Client) Content(ctx context.Context, courseURL string) (map[string]any, error) {
	if strings.TrimSpace(courseURL) == "" {
		return nil, &provider.Error{Message: "a content id is required"}
	}

	resp, err := c.get(ctx, "/content", map[string]string{"id": courseURL})
	if err != nil {
		return nil, err
	}

	var content map[string]any
	if err := json.Unmarshal(resp.raw, &content); err != nil {
		return nil, &provider.Error{Message: "content response is not valid JSON", Cause: err}
	}
	delete(content, "error")
	delete(content, "errormsg")
	return content, nil
}

// PurchaseItem describes one line of a purchase record.
type PurchaseItem struct {
	ID    string         `json:"id"`
	URL   string         `json:"url"`
	Price int            `json:"price"`
	Qty   int            `json:"qty"`
	Title string         `json:"title"`
	Tags  []string       `json:"tags,omitempty"`
	Vars  map[string]any `json:"vars,omitempty"`
}

// PurchaseOptions tune how the platform follows up a purchase record.
type PurchaseOptions struct {
	SendTemplate     string
	ReminderTemplate string
	ReminderTime     string
}

// Purchase records a purchase (or, with incomplete set, an abandoned cart)
// and lets the platform send the configured confirmation template.
func (c *Client) Purchase(ctx context.Context, email string, item PurchaseItem, incomplete bool, messageID string, opts PurchaseOptions) error {
	if strings.TrimSpace(email) == "" {
		return &provider.Error{Message: "an email is required to record a purchase"}
	}

	options := map[string]any{}
	if opts.SendTemplate != "" {
		options["send_template"] = opts.SendTemplate
	}
	if opts.ReminderTemplate != "" {
		options["reminder_template"] = opts.ReminderTemplate
		options["reminder_time"] = opts.ReminderTime
	}

	body := map[string]any{
		"email":      email,
		"items":      []PurchaseItem{item},
		"incomplete": boolToInt(incomplete),
		"options":    options,
	}
	if messageID != "" {
		body["message_id"] = messageID
	}

	_, err := c.post(ctx, "/purchase", body)
	return err
}

// UserVars reads the vars block of a user record.
func (c *Client) UserVars(ctx context.Context, email string) (map[string]any, error) {
	resp, err := c.get(ctx, "/user", map[string]string{"id": email, "fields": `{"vars":1}`})
	if err != nil {
		return nil, err
	}

	var record struct {
		Vars map[string]any `json:"vars"`
	}
	if err := json.Unmarshal(resp.raw, &record); err != nil {
		return nil, &provider.Error{Message: "user response is not valid JSON", Cause: err}
	}
	if record.Vars == nil {
		record.Vars = map[string]any{}
	}
	return record.Vars, nil
}

// SetUserVars writes vars back onto a user record keyed by email.
func (c *Client) SetUserVars(ctx context.Context, email string, vars map[string]any) error {
	_, err := c.post(ctx, "/user", map[string]any{
		"id":   email,
		"key":  "email",
		"vars": vars,
	})
	return err
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
		Message:   "sailthru request failed",
		Transient: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}

// classify maps a response onto the retry taxonomy. The platform reports
// most failures as HTTP 200 with an error code in the body; only codes 9 and
// 43 are safe to resubmit.
func classify(resp *resty.Response) (*apiResponse, error) {
	status := resp.StatusCode()

	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return nil, &provider.Error{
			StatusCode: status,
			Message:    "sailthru server rejected the request",
			Transient:  true,
		}
	}

	var parsed apiResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, &provider.Error{
			StatusCode: status,
			Message:    "sailthru response is not valid JSON",
			Cause:      err,
		}
	}
	parsed.raw = append(json.RawMessage(nil), resp.Body()...)
	parsed.statusCode = status

	if parsed.ErrorCode != 0 {
		return nil, &provider.Error{
			StatusCode: status,
			Code:       strconv.Itoa(parsed.ErrorCode),
			Message:    parsed.ErrorMsg,
			Transient:  parsed.ErrorCode == codeInternalError || parsed.ErrorCode == codeRateLimited,
		}
	}
	return &parsed, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
