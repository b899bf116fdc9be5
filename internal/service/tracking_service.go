// internal/service/tracking_service.go
package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/funnel-engine/internal/model"
	"github.com/unclebandit/funnel-engine/internal/repository"
)

// OpenPixelPath is where the open pixel is served; the message id follows it.
const OpenPixelPath = "/track/email/open/"

// EmailTracker marks outgoing email for open tracking and records what was sent.
type EmailTracker interface {
	InjectPixel(html, messageID string) string
	RecordSent(ctx context.Context, rec model.TrackingRecord) error
}

// TrackingService writes email_tracking_events so email_opens conditions have data to read.
type TrackingService struct {
	Engagement repository.EngagementRepositoryInterface
	BaseURL    string
	Log        logrus.FieldLogger
	Now        func() time.Time
}

func NewTrackingService(engagement repository.EngagementRepositoryInterface, baseURL string, log logrus.FieldLogger) *TrackingService {
	return &TrackingService{
		Engagement: engagement,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Log:        log,
		Now:        time.Now,
	}
}

func (t *TrackingService) PixelURL(messageID string) string {
	return t.BaseURL + OpenPixelPath + url.PathEscape(messageID)
}

// InjectPixel puts a hidden 1x1 image before </body>, or at the end when there is none.
func (t *TrackingService) InjectPixel(html, messageID string) string {
	if html == "" || messageID == "" {
		return html
	}
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none;opacity:0;visibility:hidden;" alt="" />`, t.PixelURL(messageID))
	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", pixel+"</body>", 1)
	}
	return html + pixel
}

func (t *TrackingService) RecordSent(ctx context.Context, rec model.TrackingRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = t.now()
	}
	if err := t.Engagement.CreateTracking(ctx, &rec); err != nil {
		return fmt.Errorf("create tracking record %s: %w", rec.MessageID, err)
	}
	return nil
}

// RecordOpen counts one open of messageID; false means the id is not tracked.
func (t *TrackingService) RecordOpen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	tracked, err := t.Engagement.RecordOpen(ctx, messageID, t.now())
	if err != nil {
		return false, fmt.Errorf("record open %s: %w", messageID, err)
	}
	if !tracked {
		t.Log.WithField("message_id", messageID).Debug("open for untracked message")
	}
	return tracked, nil
}

func (t *TrackingService) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

var _ EmailTracker = (*TrackingService)(nil)
