package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestStatusErrorClassification(t *testing.T) {
	t.Parallel()

	notFound := fmt.Errorf("fetch listing: %w", &StatusError{URL: "https://x", StatusCode: http.StatusNotFound})
	assert.ErrorIs(t, notFound, ErrPermanentHTTP)
	assert.NotErrorIs(t, notFound, ErrNetwork)
	assert.False(t, IsRetryablePageError(notFound))

	unavailable := &StatusError{URL: "https://x", StatusCode: http.StatusServiceUnavailable}
	assert.ErrorIs(t, unavailable, ErrNetwork)
	assert.NotErrorIs(t, unavailable, ErrPermanentHTTP)
	assert.True(t, IsRetryablePageError(unavailable))
}

func TestParseErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("extract detail: %w", &ParseError{URL: "https://x", Field: "author", Reason: "missing"})
	assert.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), `field "author" missing`)

	var pe *ParseError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, "author", pe.Field)
}

func TestStoreErrWrapsOnce(t *testing.T) {
	t.Parallel()

	assert.NoError(t, StoreErr("save page", nil))

	err := StoreErr("save page", errors.New("disk full"))
	assert.ErrorIs(t, err, ErrStore)
	assert.Equal(t, "store error: save page: disk full", err.Error())

	again := StoreErr("commit", err)
	assert.Equal(t, err, again)
}

func TestErrorTextCutsOnRuneBoundary(t *testing.T) {
	t.Parallel()

	assert.Empty(t, ErrorText(nil))
	assert.Equal(t, "boom", ErrorText(errors.New("boom")))

	// "ő" is two bytes; an odd prefix puts a rune across the limit.
	long := "x" + strings.Repeat("ő", MaxErrorText)
	got := ErrorText(errors.New(long))
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), MaxErrorText)
	assert.Equal(t, MaxErrorText-1, len(got))
	assert.True(t, strings.HasPrefix(long, got))
}
