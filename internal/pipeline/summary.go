package pipeline

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
)

// Summary describes one run.
type Summary struct {
	RunID           string        `json:"run_id"`
	Mode            string        `json:"mode"`
	PagesFetched    int           `json:"pages_fetched"`
	PagesFailed     int           `json:"pages_failed"`
	PagesExhausted  int           `json:"pages_exhausted"`
	ImagesQueued    int           `json:"images_queued"`
	ImagesSuccess   int64         `json:"images_success"`
	ImagesReused    int64         `json:"images_reused"`
	ImagesDuplicate int64         `json:"images_duplicate"`
	ImagesFailed    int64         `json:"images_failed"`
	SkippedBanned   int           `json:"skipped_banned"`
	Interrupted     bool          `json:"interrupted"`
	Duration        time.Duration `json:"duration"`
}

func (s *Summary) countPage(status crawler.PageStatus) {
	switch status {
	case crawler.PageStatusFetched:
		s.PagesFetched++
	case crawler.PageStatusFailed:
		s.PagesFailed++
	case crawler.PageStatusExhausted:
		s.PagesExhausted++
	}
}

// Log writes the summary as one structured line.
func (s Summary) Log(logger *zap.Logger) {
	logger.Info("run finished",
		zap.Int("pages_fetched", s.PagesFetched),
		zap.Int("pages_failed", s.PagesFailed),
		zap.Int("pages_exhausted", s.PagesExhausted),
		zap.Int("images_queued", s.ImagesQueued),
		zap.Int64("images_success", s.ImagesSuccess),
		zap.Int64("images_reused", s.ImagesReused),
		zap.Int64("images_duplicate", s.ImagesDuplicate),
		zap.Int64("images_failed", s.ImagesFailed),
		zap.Int("skipped_banned", s.SkippedBanned),
		zap.Bool("interrupted", s.Interrupted),
		zap.Duration("duration", s.Duration),
	)
}

// Print renders the summary for a terminal.
func (s Summary) Print(w io.Writer) {
	state := "completed"
	if s.Interrupted {
		state = "interrupted"
	}
	fmt.Fprintf(w, "run %s (%s) %s in %s\n", s.RunID, s.Mode, state, s.Duration.Round(time.Second))
	fmt.Fprintf(w, "  pages:  %d fetched, %d failed, %d exhausted\n",
		s.PagesFetched, s.PagesFailed, s.PagesExhausted)
	fmt.Fprintf(w, "  images: %d queued, %d stored, %d reused, %d duplicate, %d failed\n",
		s.ImagesQueued, s.ImagesSuccess, s.ImagesReused, s.ImagesDuplicate, s.ImagesFailed)
	if s.SkippedBanned > 0 {
		fmt.Fprintf(w, "  skipped %d images by banned authors\n", s.SkippedBanned)
	}
}
