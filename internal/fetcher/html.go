package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rohmanhakim/crawlkit/internal/metadata"
	"github.com/rohmanhakim/crawlkit/pkg/failure"
	"github.com/rohmanhakim/crawlkit/pkg/retry"
)

/*
Responsibilities

- Perform HTTP requests
- Apply headers and timeouts
- Handle redirects safely
- Classify responses

Fetch Semantics

- Every HTTP response is returned, whatever its status code or content
  type; only transport and body-read failures are errors
- Redirect chains are bounded
- All responses are logged with metadata

The fetcher never parses content; it only returns bytes and metadata.
*/

type HtmlFetcher struct {
	metadataSink metadata.MetadataSink
	httpClient   *http.Client
}

// NewHtmlFetcher builds a fetcher on the given HTTP client. The client
// carries the request timeout; a nil client falls back to a default one.
func NewHtmlFetcher(
	metadataSink metadata.MetadataSink,
	httpClient *http.Client,
) HtmlFetcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return HtmlFetcher{
		metadataSink: metadataSink,
		httpClient:   httpClient,
	}
}

func (h *HtmlFetcher) Fetch(
	ctx context.Context,
	crawlDepth int,
	fetchParam FetchParam,
	retryParam retry.RetryParam,
) (FetchResult, failure.ClassifiedError) {
	callerMethod := "HtmlFetcher.Fetch"
	startTime := time.Now()

	result, err := h.fetchWithRetry(ctx, fetchParam.fetchUrl, fetchParam.userAgent, retryParam)

	duration := time.Since(startTime)

	// Record the fetch event with actual data
	var statusCode int
	var contentType string
	var retryCount int

	if err != nil {
		// Extract retry count from error if it's a RetryError
		var retryErr *retry.RetryError
		if errors.As(err, &retryErr) {
			retryCount = retryParam.MaxAttempts
		}
	} else {
		statusCode = result.Code()
		contentType = h.extractContentType(result.Headers())
	}

	h.metadataSink.RecordFetch(
		fetchParam.fetchUrl.String(),
		statusCode,
		duration,
		contentType,
		retryCount,
		crawlDepth,
	)

	if err != nil {
		// Use errors.Is to decide between FetchError or RetryError
		if errors.Is(err, &retry.RetryError{}) {
			// It's a RetryError
			h.recordRetryError(callerMethod, fetchParam.fetchUrl, err)
		} else {
			// It's a FetchError
			h.recordFetchError(callerMethod, fetchParam.fetchUrl, err)
		}

		return FetchResult{}, err
	}

	return result, nil
}

func (h *HtmlFetcher) extractContentType(headers map[string]string) string {
	if ct, ok := headers["Content-Type"]; ok {
		return ct
	}
	return ""
}

func (h *HtmlFetcher) recordFetchError(callerMethod string, fetchUrl url.URL, err failure.ClassifiedError) {
	var fetchError *FetchError
	if errors.As(err, &fetchError) {
		// record fetch error event
		h.metadataSink.RecordError(
			time.Now(),
			"fetcher",
			callerMethod,
			mapFetchErrorToMetadataCause(fetchError),
			err.Error(),
			[]metadata.Attribute{
				metadata.NewAttr(metadata.AttrURL, fetchUrl.String()),
			},
		)
	}
}

func (h *HtmlFetcher) recordRetryError(callerMethod string, fetchUrl url.URL, err failure.ClassifiedError) {
	var retryError *retry.RetryError
	if errors.As(err, &retryError) {
		// record retry error event
		h.metadataSink.RecordError(
			time.Now(),
			"fetcher",
			callerMethod,
			metadata.CauseRetryFailure,
			err.Error(),
			[]metadata.Attribute{
				metadata.NewAttr(metadata.AttrMessage, retryError.Error()),
				metadata.NewAttr(metadata.AttrURL, fetchUrl.String()),
			},
		)
	}
}

func (h *HtmlFetcher) fetchWithRetry(ctx context.Context, fetchUrl url.URL, userAgent string, retryParam retry.RetryParam) (FetchResult, failure.ClassifiedError) {
	fetchTask := func() (FetchResult, failure.ClassifiedError) {
		return h.performFetch(ctx, fetchUrl, userAgent)
	}

	retryResult := retry.Retry(retryParam, fetchTask)

	if retryResult.IsFailure() {
		retryErr := retryResult.Err()
		// Check if it's a FetchError (returned by the task) or RetryError (from retry.Retry)
		var fetchErr *FetchError
		if errors.As(retryErr, &fetchErr) {
			// The underlying error is a FetchError, return it directly
			return FetchResult{}, fetchErr
		}

		// It's a RetryError, return it as-is
		return FetchResult{}, retryErr
	}

	return retryResult.Value(), nil
}

func (h *HtmlFetcher) performFetch(ctx context.Context, fetchUrl url.URL, userAgent string) (FetchResult, failure.ClassifiedError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchUrl.String(), nil)
	if err != nil {
		return FetchResult{}, &FetchError{
			Message:   fmt.Sprintf("failed to create request: %v", err),
			Retryable: false,
			Cause:     ErrCauseNetworkFailure,
		}
	}

	// Apply browser-like headers
	headers := requestHeaders(userAgent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		// Network/transport errors (timeout, DNS, connection reset, redirect
		// loop exceeding the client's redirect cap) are the only retryable
		// FetchErrors. Any response the server actually returns -- 2xx
		// through 5xx -- is a successful fetch from the crawl's perspective;
		// the Worker records it via mark_done(status_code) and never retries
		// on status code alone.
		return FetchResult{}, &FetchError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
			Cause:     ErrCauseNetworkFailure,
		}
	}
	defer resp.Body.Close()

	// Content-Type is surfaced on the result rather than rejected here: the
	// Worker records non-HTML responses as visited without parsing them,
	// per the crawl's content-type policy. It is not a fetch error.

	// Read response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, &FetchError{
			Message:   fmt.Sprintf("failed to read response body: %v", err),
			Retryable: true,
			Cause:     ErrCauseReadResponseBodyError,
		}
	}

	// Build response headers map
	responseHeaders := make(map[string]string)
	for key, values := range resp.Header {
		if len(values) > 0 {
			responseHeaders[key] = values[0]
		}
	}

	// Create FetchResult
	result := FetchResult{
		url:       fetchUrl,
		body:      body,
		fetchedAt: time.Now(),
		meta: ResponseMeta{
			statusCode:      resp.StatusCode,
			responseHeaders: responseHeaders,
		},
	}

	return result, nil
}

// IsHTMLContent reports whether the given Content-Type header value denotes
// an HTML (or XHTML) document.
func IsHTMLContent(contentType string) bool {
	contentType = strings.ToLower(contentType)
	return strings.Contains(contentType, "text/html") ||
		strings.Contains(contentType, "application/xhtml")
}

func requestHeaders(userAgent string) map[string]string {
	// Accept-Encoding is left to the transport so response bodies arrive
	// transparently decompressed.
	return map[string]string{
		"User-Agent":      userAgent,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.5",
		"DNT":             "1",
		"Connection":      "keep-alive",
	}
}
