package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/openedx/ecommerce-worker/internal/cache"
	"github.com/openedx/ecommerce-worker/internal/config"
	"github.com/openedx/ecommerce-worker/internal/ecommerce"
	"github.com/openedx/ecommerce-worker/internal/provider"
	"github.com/openedx/ecommerce-worker/internal/provider/sailthru"
)

const sitesFixture = `
default:
  braze:
    enabled: false
  sailthru:
    enabled: false
sites:
  edx:
    braze:
      enabled: true
      rest_api_key: key
      app_id: app-id-123456
      retry_seconds: 45
      retry_attempts: 3
  mitx:
    sailthru:
      enabled: true
      key: k
      secret: s
      retry_seconds: 60
      retry_attempts: 4
      templates:
        course_refund: refund_tmpl
        enroll: enroll_tmpl
        purchase: purchase_tmpl
        upgrade: upgrade_tmpl
        abandoned_cart: cart_tmpl
`

func loadTestSites(t *testing.T) *config.Sites {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sites.yaml")
	if err := os.WriteFile(path, []byte(sitesFixture), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	sites, err := config.LoadSites(path)
	if err != nil {
		t.Fatalf("LoadSites: %v", err)
	}
	return sites
}

type fakeDelivery struct {
	sendCalls   int
	sentRequest provider.SendRequest
	sendErr     error
	dispatchID  string

	bounceCalls int
	bounced     bool
}

func (f *fakeDelivery) Send(ctx context.Context, req provider.SendRequest) (*provider.Outcome, error) {
	f.sendCalls++
	f.sentRequest = req
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &provider.Outcome{Success: true, DispatchID: f.dispatchID, StatusCode: 201}, nil
}

func (f *fakeDelivery) DidBounce(ctx context.Context, email string) (bool, error) {
	f.bounceCalls++
	return f.bounced, nil
}

func (f *fakeDelivery) ExternalID(ctx context.Context, email string) (string, error) {
	return "", nil
}

type fakeOrders struct {
	statusCalls    int
	lastSendID     string
	lastAssignment string
	statusErr      error

	fulfillCalls int
	fulfillErr   error

	courseCalls int
	course      *ecommerce.Course
	courseErr   error

	paymentCalls     int
	lastProcessor    string
	lastNotification map[string]any
	paymentErr       error
}

func (f *fakeOrders) UpdateAssignmentEmailStatus(ctx context.Context, offerAssignmentID, sendID, status string) (bool, error) {
	f.statusCalls++
	f.lastAssignment = offerAssignmentID
	f.lastSendID = sendID
	if f.statusErr != nil {
		return false, f.statusErr
	}
	return true, nil
}

func (f *fakeOrders) GetCourse(ctx context.Context, courseID string) (*ecommerce.Course, error) {
	f.courseCalls++
	return f.course, f.courseErr
}

func (f *fakeOrders) FulfillOrder(ctx context.Context, orderNumber string, emailOptIn bool) error {
	f.fulfillCalls++
	return f.fulfillErr
}

func (f *fakeOrders) ProcessPaymentNotification(ctx context.Context, processorName string, notification map[string]any) error {
	f.paymentCalls++
	f.lastProcessor = processorName
	f.lastNotification = notification
	return f.paymentErr
}

// fakeCampaignDelivery additionally offers campaign-triggered sends.
type fakeCampaignDelivery struct {
	fakeDelivery

	campaignCalls int
	lastCampaign  provider.SendRequest
	campaignErr   error
}

func (f *fakeCampaignDelivery) SendCampaign(ctx context.Context, req provider.SendRequest) (map[string]*provider.Outcome, error) {
	f.campaignCalls++
	f.lastCampaign = req
	if f.campaignErr != nil {
		return nil, f.campaignErr
	}
	out := make(map[string]*provider.Outcome, len(req.Recipients))
	for _, email := range req.Recipients {
		out[email] = &provider.Outcome{Success: true, DispatchID: "camp-" + email, StatusCode: 201}
	}
	return out, nil
}

type fakeContent struct {
	contentCalls int
	content      map[string]any
	contentErr   error

	purchaseCalls  int
	lastEmail      string
	lastItem       sailthru.PurchaseItem
	lastIncomplete bool
	lastOpts       sailthru.PurchaseOptions
	purchaseErr    error

	userVars     map[string]any
	userVarsErr  error
	setVarsCalls int
	lastSetVars  map[string]any
}

func (f *fakeContent) Content(ctx context.Context, courseURL string) (map[string]any, error) {
	f.contentCalls++
	return f.content, f.contentErr
}

func (f *fakeContent) Purchase(ctx context.Context, email string, item sailthru.PurchaseItem, incomplete bool, messageID string, opts sailthru.PurchaseOptions) error {
	f.purchaseCalls++
	f.lastEmail = email
	f.lastItem = item
	f.lastIncomplete = incomplete
	f.lastOpts = opts
	return f.purchaseErr
}

func (f *fakeContent) UserVars(ctx context.Context, email string) (map[string]any, error) {
	if f.userVarsErr != nil {
		return nil, f.userVarsErr
	}
	if f.userVars == nil {
		return map[string]any{}, nil
	}
	return f.userVars, nil
}

func (f *fakeContent) SetUserVars(ctx context.Context, email string, vars map[string]any) error {
	f.setVarsCalls++
	f.lastSetVars = vars
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	delivery   *fakeDelivery
	orders     *fakeOrders
	content    *fakeContent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	delivery := &fakeDelivery{dispatchID: "disp-1"}
	orders := &fakeOrders{}
	content := &fakeContent{}

	sites := loadTestSites(t)
	router := provider.NewRouter(sites)
	factory := func(siteCode string, site config.Site) (provider.DeliveryClient, error) {
		return delivery, nil
	}
	router.Register(provider.KindBraze, factory)
	router.Register(provider.KindSailthru, factory)

	d, err := NewDispatcher(
		sites,
		router,
		func(siteCode string) (OrderClient, error) { return orders, nil },
		func(siteCode string, site config.Site) (ContentClient, error) { return content, nil },
		cache.New(),
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return &fixture{dispatcher: d, delivery: delivery, orders: orders, content: content}
}

func TestSendOfferAssignmentEmailReconciles(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	result := fx.dispatcher.SendOfferAssignmentEmail(context.Background(), OfferAssignmentEmail{
		UserEmail:         "a@x.com",
		OfferAssignmentID: "assignment-7",
		Subject:           "S",
		Body:              "<b>B</b>",
		SiteCode:          "edx",
	})

	if result.Status != StatusSent {
		t.Fatalf("expected sent, got %s (%v)", result.Status, result.Err)
	}
	if result.DispatchID != "disp-1" {
		t.Fatalf("unexpected dispatch id %q", result.DispatchID)
	}
	if fx.orders.statusCalls != 1 {
		t.Fatalf("expected one reconciliation call, got %d", fx.orders.statusCalls)
	}
	if fx.orders.lastSendID != "disp-1" || fx.orders.lastAssignment != "assignment-7" {
		t.Fatalf("reconciliation saw assignment %q send %q", fx.orders.lastAssignment, fx.orders.lastSendID)
	}
}

func TestReconciliationFailureDoesNotAffectSendResult(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.orders.statusErr = errors.New("order api is down")

	result := fx.dispatcher.SendOfferAssignmentEmail(context.Background(), OfferAssignmentEmail{
		UserEmail:         "a@x.com",
		OfferAssignmentID: "assignment-7",
		Subject:           "S",
		Body:              "B",
		SiteCode:          "edx",
	})

	if result.Status != StatusSent {
		t.Fatalf("expected sent despite reconciliation failure, got %s", result.Status)
	}
	if fx.orders.statusCalls != 1 {
		t.Fatalf("reconciliation must not be retried, got %d calls", fx.orders.statusCalls)
	}
	if fx.delivery.sendCalls != 1 {
		t.Fatalf("the send must not be re-attempted, got %d calls", fx.delivery.sendCalls)
	}
}

func TestDisabledChannelIsSilentNoOp(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	result := fx.dispatcher.SendOfferUpdateEmail(context.Background(), OfferUpdateEmail{
		UserEmail: "a@x.com",
		Subject:   "S",
		Body:      "B",
		SiteCode:  "none",
	})

	if result.Status != StatusSkipped {
		t.Fatalf("expected skipped, got %s", result.Status)
	}
	if fx.delivery.sendCalls != 0 {
		t.Fatalf("expected zero network calls, got %d", fx.delivery.sendCalls)
	}
}

func TestRetryClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus Status
	}{
		{name: "rate limited", err: &provider.Error{StatusCode: 429, Transient: true}, wantStatus: StatusRetry},
		{name: "server error", err: &provider.Error{StatusCode: 500, Transient: true}, wantStatus: StatusRetry},
		{name: "timeout", err: context.DeadlineExceeded, wantStatus: StatusRetry},
		{name: "bad request", err: &provider.Error{StatusCode: 400}, wantStatus: StatusFailed},
		{name: "forbidden", err: &provider.Error{StatusCode: 403}, wantStatus: StatusFailed},
		{name: "semantic error list", err: &provider.Error{StatusCode: 200, Errors: []string{"bad recipient"}}, wantStatus: StatusFailed},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t)
			fx.delivery.sendErr = tc.err

			result := fx.dispatcher.SendCodeAssignmentNudgeEmail(context.Background(), CodeAssignmentNudgeEmail{
				Email:    "a@x.com",
				Subject:  "S",
				Body:     "B",
				SiteCode: "edx",
			})

			if result.Status != tc.wantStatus {
				t.Fatalf("expected %s, got %s", tc.wantStatus, result.Status)
			}
			if tc.wantStatus == StatusRetry {
				if result.Retry.Delay != 45*time.Second {
					t.Fatalf("expected the configured countdown, got %s", result.Retry.Delay)
				}
				if result.Retry.MaxAttempts != 3 {
					t.Fatalf("expected the configured attempt ceiling, got %d", result.Retry.MaxAttempts)
				}
			}
			if tc.wantStatus == StatusFailed && fx.orders.statusCalls != 0 {
				t.Fatal("terminal failures must not reconcile")
			}
		})
	}
}

func TestSendOfferUsageEmailSplitsRecipients(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	result := fx.dispatcher.SendOfferUsageEmail(context.Background(), OfferUsageEmail{
		Emails:   "a@x.com, b@x.com ,,c@x.com",
		Subject:  "S",
		Body:     "B",
		SiteCode: "edx",
	})

	if result.Status != StatusSent {
		t.Fatalf("expected sent, got %s", result.Status)
	}
	got := fx.delivery.sentRequest.Recipients
	want := []string{"a@x.com", "b@x.com", "c@x.com"}
	if len(got) != len(want) {
		t.Fatalf("expected %d recipients, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("recipient %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSendCourseRefundEmailUsesTemplateOnSailthru(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	result := fx.dispatcher.SendCourseRefundEmail(context.Background(), CourseRefundEmail{
		Email:       "a@x.com",
		RefundID:    42,
		Amount:      "$99.00",
		CourseName:  "Demo Course",
		OrderNumber: "EDX-100042",
		OrderURL:    "https://example.com/receipt",
		SiteCode:    "mitx",
	})

	if result.Status != StatusSent {
		t.Fatalf("expected sent, got %s (%v)", result.Status, result.Err)
	}
	req := fx.delivery.sentRequest
	if req.Template != "refund_tmpl" {
		t.Fatalf("expected the configured template, got %q", req.Template)
	}
	if req.TemplateVars["order_number"] != "EDX-100042" {
		t.Fatalf("unexpected template vars %v", req.TemplateVars)
	}
}

func TestSendCourseRefundEmailRendersBodyOnBraze(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	result := fx.dispatcher.SendCourseRefundEmail(context.Background(), CourseRefundEmail{
		Email:       "a@x.com",
		RefundID:    42,
		Amount:      "$99.00",
		CourseName:  "Demo Course",
		OrderNumber: "EDX-100042",
		OrderURL:    "https://example.com/receipt",
		SiteCode:    "edx",
	})

	if result.Status != StatusSent {
		t.Fatalf("expected sent, got %s (%v)", result.Status, result.Err)
	}
	req := fx.delivery.sentRequest
	if req.Template != "" {
		t.Fatal("rendered sends must not carry a template")
	}
	if req.Subject == "" || req.Body == "" {
		t.Fatal("expected a rendered subject and body")
	}
}

func TestDidEmailBounce(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.delivery.bounced = true

	bounced, err := fx.dispatcher.DidEmailBounce(context.Background(), "edx", "a@x.com")
	if err != nil {
		t.Fatalf("DidEmailBounce: %v", err)
	}
	if !bounced {
		t.Fatal("expected a bounce")
	}

	bounced, err = fx.dispatcher.DidEmailBounce(context.Background(), "none", "a@x.com")
	if err != nil {
		t.Fatalf("DidEmailBounce on disabled site: %v", err)
	}
	if bounced {
		t.Fatal("a disabled channel cannot report bounces")
	}
}

func TestOfferEmailsRideThePortalTemplateOnSailthru(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		sendCalls int
		sendBody  map[string]any
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode send body: %v", err)
		}
		mu.Lock()
		sendCalls++
		sendBody = body
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"send_id":"send-9"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fixture := fmt.Sprintf(`
default:
  braze:
    enabled: false
sites:
  mitx:
    sailthru:
      enabled: true
      key: k
      secret: s
      api_url: %s
`, srv.URL)
	path := filepath.Join(t.TempDir(), "sites.yaml")
	if err := os.WriteFile(path, []byte(fixture), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	sites, err := config.LoadSites(path)
	if err != nil {
		t.Fatalf("LoadSites: %v", err)
	}

	router := provider.NewRouter(sites)
	router.Register(provider.KindSailthru, sailthru.NewDeliveryClient(zap.NewNop()))

	orders := &fakeOrders{}
	d, err := NewDispatcher(
		sites,
		router,
		func(siteCode string) (OrderClient, error) { return orders, nil },
		nil,
		cache.New(),
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	result := d.SendOfferAssignmentEmail(context.Background(), OfferAssignmentEmail{
		UserEmail:         "a@x.com",
		OfferAssignmentID: "assignment-7",
		Subject:           "S",
		Body:              "<b>B</b>",
		SenderAlias:       "Acme Support",
		SiteCode:          "mitx",
	})

	if result.Status != StatusSent {
		t.Fatalf("expected sent, got %s (%v)", result.Status, result.Err)
	}
	if sendCalls != 1 {
		t.Fatalf("expected one send call, got %d", sendCalls)
	}
	if sendBody["template"] != "enterprise_portal_email" {
		t.Fatalf("unexpected template %v", sendBody["template"])
	}
	vars, _ := sendBody["vars"].(map[string]any)
	if vars["subject"] != "S" || vars["email_body"] != "<b>B</b>" || vars["sender_alias"] != "Acme Support" {
		t.Fatalf("unexpected template vars %v", vars)
	}
	if orders.statusCalls != 1 {
		t.Fatalf("expected one reconciliation call, got %d", orders.statusCalls)
	}
}

func TestPortalTemplateHonorsSiteOverride(t *testing.T) {
	t.Parallel()

	site := config.Site{Sailthru: config.Sailthru{
		Templates: map[string]string{TemplateOfferEmail: "tenant_portal"},
	}}
	req := portalTemplate(site, provider.SendRequest{Subject: "S", Body: "B"})
	if req.Template != "tenant_portal" {
		t.Fatalf("expected the configured template, got %q", req.Template)
	}
}

func TestOfferEmailsRideTheTriggeredCampaignWhenConfigured(t *testing.T) {
	t.Parallel()

	fixture := `
default:
  braze:
    enabled: false
sites:
  edx:
    braze:
      enabled: true
      rest_api_key: key
      app_id: app-id-123456
      enterprise_campaign_id: camp-1
`
	path := filepath.Join(t.TempDir(), "sites.yaml")
	if err := os.WriteFile(path, []byte(fixture), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	sites, err := config.LoadSites(path)
	if err != nil {
		t.Fatalf("LoadSites: %v", err)
	}

	delivery := &fakeCampaignDelivery{fakeDelivery: fakeDelivery{dispatchID: "disp-1"}}
	router := provider.NewRouter(sites)
	router.Register(provider.KindBraze, func(siteCode string, site config.Site) (provider.DeliveryClient, error) {
		return delivery, nil
	})

	orders := &fakeOrders{}
	d, err := NewDispatcher(
		sites,
		router,
		func(siteCode string) (OrderClient, error) { return orders, nil },
		nil,
		cache.New(),
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	result := d.SendOfferUpdateEmail(context.Background(), OfferUpdateEmail{
		UserEmail: "a@x.com",
		Subject:   "S",
		Body:      "B",
		SiteCode:  "edx",
	})

	if result.Status != StatusSent {
		t.Fatalf("expected sent, got %s (%v)", result.Status, result.Err)
	}
	if delivery.campaignCalls != 1 || delivery.sendCalls != 0 {
		t.Fatalf("campaign/send calls = %d/%d, want 1/0", delivery.campaignCalls, delivery.sendCalls)
	}
	if delivery.lastCampaign.CampaignID != "camp-1" {
		t.Fatalf("unexpected campaign id %q", delivery.lastCampaign.CampaignID)
	}
	if result.DispatchID != "camp-a@x.com" {
		t.Fatalf("unexpected dispatch id %q", result.DispatchID)
	}
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	t.Parallel()

	if got := truncate("short", bodyLogLimit); got != "short" {
		t.Fatalf("truncate(short) = %q", got)
	}

	// 200 two-byte runes put a continuation byte at the limit.
	s := strings.Repeat("é", 200)
	got := truncate(s, 255)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected an ellipsis suffix, got %q", got)
	}
	if len(got) != 254+len("...") {
		t.Fatalf("unexpected truncated length %d", len(got))
	}
}

func TestFixedAndExponentialBackoff(t *testing.T) {
	t.Parallel()

	if got := FixedBackoff(45); got != 45*time.Second {
		t.Fatalf("FixedBackoff(45) = %s", got)
	}
	if got := FixedBackoff(0); got != 30*time.Second {
		t.Fatalf("FixedBackoff(0) = %s", got)
	}
	if got := ExponentialBackoff(0); got != time.Second {
		t.Fatalf("ExponentialBackoff(0) = %s", got)
	}
	if got := ExponentialBackoff(5); got != 32*time.Second {
		t.Fatalf("ExponentialBackoff(5) = %s", got)
	}
	if got := ExponentialBackoff(40); got != maxFulfillmentBackoff {
		t.Fatalf("ExponentialBackoff(40) = %s", got)
	}
}
