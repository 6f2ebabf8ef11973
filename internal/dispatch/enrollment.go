package dispatch

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/openedx/ecommerce-worker/internal/config"
	"github.com/openedx/ecommerce-worker/internal/provider"
	"github.com/openedx/ecommerce-worker/internal/provider/sailthru"
)

// Template keys looked up in the site's Sailthru template map.
const (
	TemplateUpgrade       = "upgrade"
	TemplateEnroll        = "enroll"
	TemplatePurchase      = "purchase"
	TemplateCourseRefund  = "course_refund"
	TemplateAbandonedCart = "abandoned_cart"
	TemplateOfferEmail    = "offer_email"
)

const (
	modeVerified = "verified"
	modeAudit    = "audit"
	modeHonor    = "honor"

	unenrolledVar = "unenrolled"
)

// CourseEnrollment records a cart add, purchase or upgrade on the marketing
// platform so it can send the matching confirmation template.
type CourseEnrollment struct {
	Email              string  `json:"email"`
	CourseURL          string  `json:"course_url"`
	PurchaseIncomplete bool    `json:"purchase_incomplete"`
	Mode               string  `json:"mode"`
	UnitCost           float64 `json:"unit_cost"`
	CourseID           string  `json:"course_id"`
	Currency           string  `json:"currency"`
	MessageID          string  `json:"message_id"`
	SKU                string  `json:"sku"`
	SiteCode           string  `json:"site_code"`
}

// UpdateCourseEnrollment is the enrollment confirmation path. Course data
// comes from the cache, the platform content API, or the order system's
// course API, in that order. New enrollments also prune the course from the
// recipient's unenrolled list.
func (d *Dispatcher) UpdateCourseEnrollment(ctx context.Context, req CourseEnrollment) Result {
	site := d.sites.Site(req.SiteCode)
	logger := d.logger.With(
		zap.String("site_code", req.SiteCode),
		zap.String("course_id", req.CourseID))

	if !site.Sailthru.Enabled {
		logger.Info(logPrefixCourseEnrollment + " marketing platform not enabled, skipping")
		return Skipped()
	}
	if d.content == nil {
		return Failed(fmt.Errorf("no content client factory is configured"))
	}
	client, err := d.content(req.SiteCode, site)
	if err != nil {
		logger.Error(logPrefixCourseEnrollment+" cannot build platform client", zap.Error(err))
		return Failed(err)
	}

	newEnroll := false
	sendTemplate := ""
	if !req.PurchaseIncomplete {
		switch req.Mode {
		case modeVerified:
			sendTemplate = site.Sailthru.Templates[TemplateUpgrade]
		case modeAudit, modeHonor:
			newEnroll = true
			sendTemplate = site.Sailthru.Templates[TemplateEnroll]
		default:
			newEnroll = true
			sendTemplate = site.Sailthru.Templates[TemplatePurchase]
		}
	}

	if newEnroll {
		if result, ok := d.pruneUnenrolledList(ctx, client, site, req, logger); !ok {
			return result
		}
	}

	content := d.courseContent(ctx, client, req, logger)
	item := buildPurchaseItem(req, content)

	opts := sailthru.PurchaseOptions{SendTemplate: sendTemplate}
	if req.PurchaseIncomplete && site.Sailthru.Templates[TemplateAbandonedCart] != "" {
		opts.ReminderTemplate = site.Sailthru.Templates[TemplateAbandonedCart]
		opts.ReminderTime = fmt.Sprintf("+%d minutes", site.Sailthru.AbandonedCartDelayMinutes)
	}

	if err := client.Purchase(ctx, req.Email, item, req.PurchaseIncomplete, req.MessageID, opts); err != nil {
		if provider.IsTransient(err) {
			delay, attempts := retryPolicy(site, provider.KindSailthru)
			logger.Warn(logPrefixCourseEnrollment+" transient purchase record failure, requesting retry",
				zap.Duration("delay", delay), zap.Error(err))
			return RetryAfter(delay, attempts, err)
		}
		logger.Error(logPrefixCourseEnrollment+" error recording purchase", zap.Error(err))
		return Failed(err)
	}

	logger.Info(logPrefixCourseEnrollment+" purchase recorded",
		zap.String("mode", req.Mode),
		zap.Bool("incomplete", req.PurchaseIncomplete))
	return Sent("")
}

// pruneUnenrolledList removes the course from the recipient's unenrolled
// list on a new enrollment. Transient failures retry the whole task;
// terminal failures are logged and the enrollment proceeds. The second
// return value is false when the caller must stop and return the Result.
func (d *Dispatcher) pruneUnenrolledList(ctx context.Context, client ContentClient, site config.Site, req CourseEnrollment, logger *zap.Logger) (Result, bool) {
	vars, err := client.UserVars(ctx, req.Email)
	if err != nil {
		if provider.IsTransient(err) {
			delay, attempts := retryPolicy(site, provider.KindSailthru)
			logger.Warn(logPrefixCourseEnrollment+" transient user record read failure, requesting retry",
				zap.Duration("delay", delay), zap.Error(err))
			return RetryAfter(delay, attempts, err), false
		}
		logger.Error(logPrefixCourseEnrollment+" error reading user record, continuing without unenrolled update", zap.Error(err))
		return Result{}, true
	}

	unenrolled, changed := removeFromList(vars[unenrolledVar], req.CourseURL)
	if !changed {
		return Result{}, true
	}

	if err := client.SetUserVars(ctx, req.Email, map[string]any{unenrolledVar: unenrolled}); err != nil {
		if provider.IsTransient(err) {
			delay, attempts := retryPolicy(site, provider.KindSailthru)
			logger.Warn(logPrefixCourseEnrollment+" transient user record write failure, requesting retry",
				zap.Duration("delay", delay), zap.Error(err))
			return RetryAfter(delay, attempts, err), false
		}
		logger.Error(logPrefixCourseEnrollment+" error updating user record, continuing", zap.Error(err))
	}
	return Result{}, true
}

// removeFromList drops courseURL from a JSON-decoded list value. The second
// return value reports whether the list changed.
func removeFromList(raw any, courseURL string) ([]string, bool) {
	items, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	changed := false
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			continue
		}
		if s == courseURL {
			changed = true
			continue
		}
		out = append(out, s)
	}
	return out, changed
}

func buildPurchaseItem(req CourseEnrollment, content map[string]any) sailthru.PurchaseItem {
	item := sailthru.PurchaseItem{
		ID:    fmt.Sprintf("%s-%s", req.CourseID, req.Mode),
		URL:   req.CourseURL,
		Price: costInCents(req.UnitCost),
		Qty:   1,
	}

	if title, ok := content["title"].(string); ok && title != "" {
		item.Title = title
	} else {
		item.Title = fmt.Sprintf("Course %s mode: %s", req.CourseID, req.Mode)
	}

	if tags, ok := content["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				item.Tags = append(item.Tags, s)
			}
		}
	}

	vars := map[string]any{}
	if cv, ok := content["vars"].(map[string]any); ok {
		for k, v := range cv {
			vars[k] = v
		}
	}
	vars["mode"] = req.Mode
	vars["course_run_id"] = req.CourseID
	vars["purchase_sku"] = req.SKU
	item.Vars = vars

	return item
}

// costInCents converts a decimal price to the integer cents the purchase
// API expects.
func costInCents(unitCost float64) int {
	return int(math.Round(unitCost * 100))
}
