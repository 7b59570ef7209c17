package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// MaxErrorText caps error messages persisted on page and image rows.
const MaxErrorText = 1024

// Error classes used across the pipeline. Match them with errors.Is.
var (
	// ErrNetwork covers timeouts, connection failures and non-2xx responses. Retryable per page.
	ErrNetwork = errors.New("network error")
	// ErrPermanentHTTP is a 404 on the listing page itself; the page is exhausted immediately.
	ErrPermanentHTTP = errors.New("permanent http error")
	// ErrParse reports a missing or malformed required metadata field.
	ErrParse = errors.New("parse error")
	// ErrDownload is an image byte fetch failure; it never fails the page.
	ErrDownload = errors.New("download error")
	// ErrIntegrity is a hash mismatch on a verified re-read.
	ErrIntegrity = errors.New("integrity error")
	// ErrStore is a transaction or commit failure and aborts the run.
	ErrStore = errors.New("store error")
	// ErrQueueClosed is returned by Dequeue once a closed queue is drained.
	ErrQueueClosed = errors.New("queue closed")
	// ErrObjectNotFound is returned by blob stores for a missing key.
	ErrObjectNotFound = errors.New("object not found")
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Is classifies 404 as permanent and every other status as a network error.
func (e *StatusError) Is(target error) bool {
	if e.StatusCode == http.StatusNotFound {
		return target == ErrPermanentHTTP
	}
	return target == ErrNetwork
}

// ParseError names the required field that could not be extracted.
type ParseError struct {
	URL    string
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: field %q %s", e.URL, e.Field, e.Reason)
}

// Is reports whether target is ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// StoreErr wraps err as a fatal store failure unless it already is one.
func StoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// IsRetryablePageError reports whether a page failure should consume an attempt
// rather than exhaust the page immediately.
func IsRetryablePageError(err error) bool {
	return err != nil && !errors.Is(err, ErrPermanentHTTP)
}

// ErrorText renders err for storage, cut to at most MaxErrorText bytes on a
// rune boundary so the result stays valid UTF-8.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= MaxErrorText {
		return msg
	}
	cut := MaxErrorText
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
