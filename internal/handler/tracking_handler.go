// internal/handler/tracking_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/funnel-engine/internal/logging"
)

// OpenRecorder counts email opens.
type OpenRecorder interface {
	RecordOpen(ctx context.Context, messageID string) (bool, error)
}

// transparentGIF is a 1x1 transparent GIF.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type TrackingHandler struct {
	Opens OpenRecorder
	Log   logrus.FieldLogger
}

func NewTrackingHandler(opens OpenRecorder, log logrus.FieldLogger) *TrackingHandler {
	return &TrackingHandler{Opens: opens, Log: log}
}

func (h *TrackingHandler) Routes(r chi.Router) {
	r.Get("/track/email/open/{id}", h.EmailOpen)
}

// EmailOpen records an open and always answers with the pixel, so mail clients
// never render a broken image.
func (h *TrackingHandler) EmailOpen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Opens.RecordOpen(r.Context(), id); err != nil {
		logging.LogError(h.Log, "email_open", err, logrus.Fields{"message_id": id})
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Length", strconv.Itoa(len(transparentGIF)))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}
