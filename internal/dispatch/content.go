package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// courseContent fetches course display data for the enrollment confirmation
// email. Lookup order: cache, platform content API, order system course API.
// Errors degrade to an empty map; the confirmation is still sent with an
// invented title.
func (d *Dispatcher) courseContent(ctx context.Context, client ContentClient, req CourseEnrollment, logger *zap.Logger) map[string]any {
	site := d.sites.Site(req.SiteCode)
	key := fmt.Sprintf("%s:%s", req.SiteCode, req.CourseURL)

	if cached, ok := d.cache.Get(key); ok {
		if content, ok := cached.(map[string]any); ok {
			return content
		}
	}

	content, err := client.Content(ctx, req.CourseURL)
	if err == nil && len(content) > 0 {
		d.cache.Set(key, content, site.Sailthru.CacheTTL())
		return content
	}
	if err != nil {
		logger.Warn(logPrefixCourseEnrollment+" platform content lookup failed, falling back to the course api", zap.Error(err))
	}

	orders, err := d.orders(req.SiteCode)
	if err != nil {
		logger.Error(logPrefixCourseEnrollment+" cannot build order api client for course lookup", zap.Error(err))
		return map[string]any{}
	}
	course, err := orders.GetCourse(ctx, req.CourseID)
	if err != nil {
		logger.Error(logPrefixCourseEnrollment+" course api lookup failed", zap.Error(err))
		return map[string]any{}
	}

	content = map[string]any{
		"title":                 course.Title,
		"verification_deadline": course.VerificationDeadline,
	}
	d.cache.Set(key, content, site.Sailthru.CacheTTL())
	return content
}
