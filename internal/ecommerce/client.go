package ecommerce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/openedx/ecommerce-worker/internal/cache"
	"github.com/openedx/ecommerce-worker/internal/config"
)

const (
	defaultTimeout = 5 * time.Second

	tokenCacheKeyPrefix = "ecommerce:token:"
	// tokenExpirySlack keeps us from presenting a token that expires
	// mid-request.
	tokenExpirySlack = 30 * time.Second
)

// ErrAlreadyFulfilled reports that an order cannot be fulfilled because it
// already is. Callers treat it as a successful terminal state.
var ErrAlreadyFulfilled = errors.New("order has already been fulfilled")

// ErrNotificationProcessed reports that a payment processor notification
// was already handled by the order system.
var ErrNotificationProcessed = errors.New("payment notification has already been processed")

// APIError carries the order API failure detail.
type APIError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *APIError) Error() string {
	parts := make([]string, 0, 3)
	parts = append(parts, "ecommerce api error")
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *APIError) Unwrap() error { return e.Cause }

// Client calls the order-management API on behalf of one site. Bearer tokens
// come from a client-credential exchange and are cached until shortly before
// expiry.
type Client struct {
	http     *resty.Client
	cfg      config.Ecommerce
	siteCode string
	tokens   *cache.Cache
	logger   *zap.Logger
}

func New(siteCode string, site config.Site, tokens *cache.Cache, logger *zap.Logger) (*Client, error) {
	cfg := site.Ecommerce
	if cfg.APIRoot == "" || cfg.TokenURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("ecommerce api is not configured for site %q", siteCode)
	}
	if tokens == nil {
		return nil, fmt.Errorf("a token cache is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIRoot, "/")).
		SetTimeout(defaultTimeout)

	return &Client{
		http:     httpClient,
		cfg:      cfg,
		siteCode: siteCode,
		tokens:   tokens,
		logger:   logger,
	}, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	key := tokenCacheKeyPrefix + c.siteCode
	if cached, ok := c.tokens.Get(key); ok {
		if token, ok := cached.(string); ok && token != "" {
			return token, nil
		}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     c.cfg.ClientID,
			"client_secret": c.cfg.ClientSecret,
		}).
		SetResult(&parsed).
		Post(c.cfg.TokenURL)
	if err != nil {
		return "", &APIError{Message: "token request failed", Cause: err}
	}
	if resp.StatusCode() != http.StatusOK || parsed.AccessToken == "" {
		return "", &APIError{StatusCode: resp.StatusCode(), Message: "token exchange rejected"}
	}

	if ttl := time.Duration(parsed.ExpiresIn)*time.Second - tokenExpirySlack; ttl > 0 {
		c.tokens.Set(key, parsed.AccessToken, ttl)
	}
	return parsed.AccessToken, nil
}

// UpdateAssignmentEmailStatus posts the delivery outcome for an offer
// assignment. Best-effort from the dispatch path: callers log failures and
// move on; the order system is responsible for deduplicating repeated posts
// for the same send id.
func (c *Client) UpdateAssignmentEmailStatus(ctx context.Context, offerAssignmentID, sendID, status string) (bool, error) {
	token, err := c.token(ctx)
	if err != nil {
		return false, err
	}

	var parsed struct {
		Status string `json:"status"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]string{
			"offer_assignment_id": offerAssignmentID,
			"send_id":             sendID,
			"status":              status,
		}).
		SetResult(&parsed).
		Post("/assignment-email/status/")
	if err != nil {
		return false, &APIError{Message: "assignment email status request failed", Cause: err}
	}
	if resp.StatusCode() >= http.StatusMultipleChoices {
		return false, &APIError{StatusCode: resp.StatusCode(), Message: "assignment email status rejected"}
	}
	return parsed.Status == "updated", nil
}

// Course is the slice of the course record the content-lookup path uses.
type Course struct {
	Title                string
	VerificationDeadline string
}

// GetCourse reads course display data from the order system's course API.
func (c *Client) GetCourse(ctx context.Context, courseID string) (*Course, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Name                 string `json:"name"`
		VerificationDeadline string `json:"verification_deadline"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&parsed).
		Get(fmt.Sprintf("/courses/%s/", url.PathEscape(courseID)))
	if err != nil {
		return nil, &APIError{Message: "course lookup failed", Cause: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: "course lookup rejected"}
	}

	return &Course{
		Title:                parsed.Name,
		VerificationDeadline: parsed.VerificationDeadline,
	}, nil
}

// FulfillOrder asks the order system to fulfill an order. A 406 means the
// order is not fulfillable because it is already complete and maps to
// ErrAlreadyFulfilled.
func (c *Client) FulfillOrder(ctx context.Context, orderNumber string, emailOptIn bool) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("email_opt_in", strconv.FormatBool(emailOptIn)).
		Put(fmt.Sprintf("/orders/%s/fulfill/", url.PathEscape(orderNumber)))
	if err != nil {
		return &APIError{Message: "fulfillment request failed", Cause: err}
	}

	switch {
	case resp.StatusCode() == http.StatusNotAcceptable:
		return ErrAlreadyFulfilled
	case resp.StatusCode() >= http.StatusMultipleChoices:
		return &APIError{StatusCode: resp.StatusCode(), Message: "fulfillment rejected"}
	}
	return nil
}

// ProcessPaymentNotification relays a payment processor notification to the
// order system, tagged with the processor that produced it. A 406 means the
// notification was already processed and maps to ErrNotificationProcessed.
func (c *Client) ProcessPaymentNotification(ctx context.Context, processorName string, notification map[string]any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	body := make(map[string]any, len(notification)+1)
	for k, v := range notification {
		body[k] = v
	}
	body["payment_processor"] = processorName

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		Put("/payment/processors/notification/process/")
	if err != nil {
		return &APIError{Message: "payment notification request failed", Cause: err}
	}

	switch {
	case resp.StatusCode() == http.StatusNotAcceptable:
		return ErrNotificationProcessed
	case resp.StatusCode() >= http.StatusMultipleChoices:
		return &APIError{StatusCode: resp.StatusCode(), Message: "payment notification rejected"}
	}
	return nil
}
