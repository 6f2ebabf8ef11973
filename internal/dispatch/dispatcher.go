package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/openedx/ecommerce-worker/internal/cache"
	"github.com/openedx/ecommerce-worker/internal/config"
	"github.com/openedx/ecommerce-worker/internal/ecommerce"
	"github.com/openedx/ecommerce-worker/internal/provider"
	"github.com/openedx/ecommerce-worker/internal/provider/sailthru"
)

const (
	logPrefixOfferAssignment  = "[Offer Assignment]"
	logPrefixOfferUsage       = "[Offer Usage]"
	logPrefixCodeNudge        = "[Code Assignment Nudge Email]"
	logPrefixCourseRefund     = "[Course Refund]"
	logPrefixCourseEnrollment = "[Course Enrollment]"
	logPrefixFulfillment      = "[Fulfillment]"
	logPrefixPayment          = "[Payment Notification]"

	// bodyLogLimit bounds how much of an email body lands in a log line.
	bodyLogLimit = 256

	assignmentStatusSuccess = "success"

	// defaultOfferTemplate wraps rendered offer emails on template-only
	// channels when the site configures no override.
	defaultOfferTemplate = "enterprise_portal_email"
)

// OrderClient is the slice of the order-management API the dispatch path
// needs: status reconciliation, course lookup, fulfillment, payment
// notification relay.
type OrderClient interface {
	UpdateAssignmentEmailStatus(ctx context.Context, offerAssignmentID, sendID, status string) (bool, error)
	GetCourse(ctx context.Context, courseID string) (*ecommerce.Course, error)
	FulfillOrder(ctx context.Context, orderNumber string, emailOptIn bool) error
	ProcessPaymentNotification(ctx context.Context, processorName string, notification map[string]any) error
}

// OrderClientFactory builds an order API client for a site. Construction
// fails when the site has no order API credentials.
type OrderClientFactory func(siteCode string) (OrderClient, error)

// ContentClient is the platform capability set behind the enrollment
// confirmation path: content lookup, purchase records, user vars.
type ContentClient interface {
	Content(ctx context.Context, courseURL string) (map[string]any, error)
	Purchase(ctx context.Context, email string, item sailthru.PurchaseItem, incomplete bool, messageID string, opts sailthru.PurchaseOptions) error
	UserVars(ctx context.Context, email string) (map[string]any, error)
	SetUserVars(ctx context.Context, email string, vars map[string]any) error
}

// ContentClientFactory builds a content-capable client for a site.
type ContentClientFactory func(siteCode string, site config.Site) (ContentClient, error)

// Dispatcher owns the per-kind notification entry points. It routes each
// send to the active delivery channel, classifies failures into retryable
// and terminal, and reconciles outcomes back into the order system.
type Dispatcher struct {
	sites   *config.Sites
	router  *provider.Router
	orders  OrderClientFactory
	content ContentClientFactory
	cache   *cache.Cache
	logger  *zap.Logger
}

func NewDispatcher(
	sites *config.Sites,
	router *provider.Router,
	orders OrderClientFactory,
	content ContentClientFactory,
	contentCache *cache.Cache,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if sites == nil {
		return nil, fmt.Errorf("site configuration is required")
	}
	if router == nil {
		return nil, fmt.Errorf("a provider router is required")
	}
	if orders == nil {
		return nil, fmt.Errorf("an order client factory is required")
	}
	if contentCache == nil {
		contentCache = cache.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sites:   sites,
		router:  router,
		orders:  orders,
		content: content,
		cache:   contentCache,
		logger:  logger,
	}, nil
}

// OfferAssignmentEmail notifies a learner that an enterprise offer was
// assigned to them. The delivery outcome is reported back against the
// offer assignment record.
type OfferAssignmentEmail struct {
	UserEmail         string                `json:"user_email"`
	OfferAssignmentID string                `json:"offer_assignment_id"`
	Subject           string                `json:"subject"`
	Body              string                `json:"email_body"`
	SenderAlias       string                `json:"sender_alias"`
	ReplyTo           string                `json:"reply_to"`
	Attachments       []provider.Attachment `json:"attachments"`
	SiteCode          string                `json:"site_code"`
}

func (d *Dispatcher) SendOfferAssignmentEmail(ctx context.Context, req OfferAssignmentEmail) Result {
	result := d.deliver(ctx, req.SiteCode, logPrefixOfferAssignment, provider.SendRequest{
		Recipients:  []string{req.UserEmail},
		Subject:     req.Subject,
		Body:        req.Body,
		SenderAlias: req.SenderAlias,
		ReplyTo:     req.ReplyTo,
		Attachments: req.Attachments,
	})
	if result.Status == StatusSent {
		d.reconcileAssignmentStatus(ctx, req.SiteCode, req.OfferAssignmentID, result.DispatchID)
	}
	return result
}

// OfferUpdateEmail is the revoke/remind variant of the assignment email.
// No reconciliation happens for it.
type OfferUpdateEmail struct {
	UserEmail   string                `json:"user_email"`
	Subject     string                `json:"subject"`
	Body        string                `json:"email_body"`
	SenderAlias string                `json:"sender_alias"`
	ReplyTo     string                `json:"reply_to"`
	Attachments []provider.Attachment `json:"attachments"`
	SiteCode    string                `json:"site_code"`
}

func (d *Dispatcher) SendOfferUpdateEmail(ctx context.Context, req OfferUpdateEmail) Result {
	return d.deliver(ctx, req.SiteCode, logPrefixOfferAssignment, provider.SendRequest{
		Recipients:  []string{req.UserEmail},
		Subject:     req.Subject,
		Body:        req.Body,
		SenderAlias: req.SenderAlias,
		ReplyTo:     req.ReplyTo,
		Attachments: req.Attachments,
	})
}

// OfferUsageEmail reports offer redemption usage to enterprise admins.
// Emails carries the recipients as one comma-separated string.
type OfferUsageEmail struct {
	Emails      string                `json:"emails"`
	Subject     string                `json:"subject"`
	Body        string                `json:"email_body"`
	ReplyTo     string                `json:"reply_to"`
	Attachments []provider.Attachment `json:"attachments"`
	SiteCode    string                `json:"site_code"`
}

func (d *Dispatcher) SendOfferUsageEmail(ctx context.Context, req OfferUsageEmail) Result {
	return d.deliver(ctx, req.SiteCode, logPrefixOfferUsage, provider.SendRequest{
		Recipients:  splitEmails(req.Emails),
		Subject:     req.Subject,
		Body:        req.Body,
		ReplyTo:     req.ReplyTo,
		Attachments: req.Attachments,
	})
}

// CodeAssignmentNudgeEmail reminds a learner about an unused assigned code.
type CodeAssignmentNudgeEmail struct {
	Email       string                `json:"email"`
	Subject     string                `json:"subject"`
	Body        string                `json:"email_body"`
	SenderAlias string                `json:"sender_alias"`
	ReplyTo     string                `json:"reply_to"`
	Attachments []provider.Attachment `json:"attachments"`
	SiteCode    string                `json:"site_code"`
}

func (d *Dispatcher) SendCodeAssignmentNudgeEmail(ctx context.Context, req CodeAssignmentNudgeEmail) Result {
	return d.deliver(ctx, req.SiteCode, logPrefixCodeNudge, provider.SendRequest{
		Recipients:  []string{req.Email},
		Subject:     req.Subject,
		Body:        req.Body,
		SenderAlias: req.SenderAlias,
		ReplyTo:     req.ReplyTo,
		Attachments: req.Attachments,
	})
}

// CourseRefundEmail notifies a learner that an order was refunded.
type CourseRefundEmail struct {
	Email       string `json:"email"`
	RefundID    int64  `json:"refund_id"`
	Amount      string `json:"amount"`
	CourseName  string `json:"course_name"`
	OrderNumber string `json:"order_number"`
	OrderURL    string `json:"order_url"`
	SiteCode    string `json:"site_code"`
}

// SendCourseRefundEmail sends the refund notice. On a template-rendering
// platform the message is a configured template plus vars; otherwise the
// subject and body are rendered here.
func (d *Dispatcher) SendCourseRefundEmail(ctx context.Context, req CourseRefundEmail) Result {
	site := d.sites.Site(req.SiteCode)
	kind, err := d.router.ActiveKind(req.SiteCode)
	if err != nil {
		if errors.Is(err, provider.ErrNotEnabled) {
			d.logger.Info(logPrefixCourseRefund+" no delivery channel enabled, skipping",
				zap.String("site_code", req.SiteCode),
				zap.Int64("refund_id", req.RefundID))
			return Skipped()
		}
		d.logger.Error(logPrefixCourseRefund+" channel resolution failed",
			zap.String("site_code", req.SiteCode), zap.Error(err))
		return Failed(err)
	}

	send := provider.SendRequest{Recipients: []string{req.Email}}
	if kind == provider.KindSailthru {
		send.Template = site.Sailthru.Templates[TemplateCourseRefund]
		send.TemplateVars = map[string]any{
			"amount":       req.Amount,
			"course_name":  req.CourseName,
			"order_number": req.OrderNumber,
			"order_url":    req.OrderURL,
		}
		if send.Template == "" {
			err := fmt.Errorf("no course refund template is configured for site %q", req.SiteCode)
			d.logger.Error(logPrefixCourseRefund+" cannot send", zap.Error(err))
			return Failed(err)
		}
	} else {
		send.Subject = fmt.Sprintf("Your refund for %s", req.CourseName)
		send.Body = fmt.Sprintf(
			"Your refund of %s for order %s (%s) has been processed. View your receipt at %s.",
			req.Amount, req.OrderNumber, req.CourseName, req.OrderURL)
	}

	result := d.deliver(ctx, req.SiteCode, logPrefixCourseRefund, send)
	if result.Status == StatusSent {
		d.logger.Info(logPrefixCourseRefund+" refund notification sent",
			zap.Int64("refund_id", req.RefundID),
			zap.String("dispatch_id", result.DispatchID))
	}
	return result
}

// DidEmailBounce reports whether the address hard-bounced on the active
// delivery channel. False when no bounce-capable channel is enabled.
func (d *Dispatcher) DidEmailBounce(ctx context.Context, siteCode, email string) (bool, error) {
	client, _, err := d.router.ClientFor(siteCode)
	if err != nil {
		if errors.Is(err, provider.ErrNotEnabled) {
			return false, nil
		}
		return false, err
	}
	return client.DidBounce(ctx, email)
}

// deliver is the shared orchestration: route, send, classify.
func (d *Dispatcher) deliver(ctx context.Context, siteCode, logPrefix string, req provider.SendRequest) Result {
	logger := d.logger.With(zap.String("site_code", siteCode))

	client, kind, err := d.router.ClientFor(siteCode)
	if err != nil {
		if errors.Is(err, provider.ErrNotEnabled) {
			logger.Info(logPrefix + " no delivery channel enabled, skipping")
			return Skipped()
		}
		logger.Error(logPrefix+" channel resolution failed", zap.Error(err))
		return Failed(err)
	}

	site := d.sites.Site(siteCode)
	if kind == provider.KindSailthru && req.Template == "" {
		req = portalTemplate(site, req)
	}

	outcome, err := d.send(ctx, client, site, req)
	if err != nil {
		if provider.IsTransient(err) {
			delay, attempts := retryPolicy(site, kind)
			logger.Warn(logPrefix+" transient send failure, requesting retry",
				zap.String("channel", kind.String()),
				zap.Duration("delay", delay),
				zap.Error(err))
			return RetryAfter(delay, attempts, err)
		}
		logger.Error(logPrefix+" terminal send failure",
			zap.String("channel", kind.String()),
			zap.Strings("recipients", req.Recipients),
			zap.String("subject", req.Subject),
			zap.String("body", truncate(req.Body, bodyLogLimit)),
			zap.Error(err))
		return Failed(err)
	}

	logger.Info(logPrefix+" notification sent",
		zap.String("channel", kind.String()),
		zap.String("dispatch_id", outcome.DispatchID))
	return Sent(outcome.DispatchID)
}

// portalTemplate rewraps a rendered subject/body as vars on the site's
// offer template. The platform only sends server-rendered templates, so a
// rendered message rides a pass-through template instead of failing.
func portalTemplate(site config.Site, req provider.SendRequest) provider.SendRequest {
	tmpl := site.Sailthru.Templates[TemplateOfferEmail]
	if tmpl == "" {
		tmpl = defaultOfferTemplate
	}
	req.Template = tmpl
	req.TemplateVars = map[string]any{
		"subject":      req.Subject,
		"email_body":   req.Body,
		"sender_alias": req.SenderAlias,
	}
	return req
}

// send picks the transport for one message. Tenants with a triggered
// campaign configured route rendered sends through it so campaign-level
// branding and analytics apply; everything else goes through the plain
// message API.
func (d *Dispatcher) send(ctx context.Context, client provider.DeliveryClient, site config.Site, req provider.SendRequest) (*provider.Outcome, error) {
	if req.CampaignID == "" {
		req.CampaignID = site.Braze.EnterpriseCampaignID
	}

	campaigns, ok := client.(provider.CampaignSender)
	if !ok || req.CampaignID == "" || req.Template != "" {
		return client.Send(ctx, req)
	}

	outcomes, err := campaigns.SendCampaign(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, email := range req.Recipients {
		if outcome := outcomes[email]; outcome != nil {
			return outcome, nil
		}
	}
	return &provider.Outcome{Success: true}, nil
}

// reconcileAssignmentStatus posts the delivery outcome for an offer
// assignment. Best-effort: failures are logged and never retried, and
// never change the send result.
func (d *Dispatcher) reconcileAssignmentStatus(ctx context.Context, siteCode, offerAssignmentID, dispatchID string) {
	logger := d.logger.With(
		zap.String("site_code", siteCode),
		zap.String("offer_assignment_id", offerAssignmentID),
		zap.String("dispatch_id", dispatchID))

	orders, err := d.orders(siteCode)
	if err != nil {
		logger.Error(logPrefixOfferAssignment+" cannot build order api client for status update", zap.Error(err))
		return
	}

	updated, err := orders.UpdateAssignmentEmailStatus(ctx, offerAssignmentID, dispatchID, assignmentStatusSuccess)
	if err != nil {
		logger.Error(logPrefixOfferAssignment+" error updating assignment email status", zap.Error(err))
		return
	}
	if !updated {
		logger.Error(logPrefixOfferAssignment + " order system did not record the assignment email status")
	}
}

func splitEmails(emails string) []string {
	parts := strings.Split(emails, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
