package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	tokenFormField               = "token"
	targetFormField              = "target"
	contentTypeHeaderName        = "Content-Type"
	formContentType              = "application/x-www-form-urlencoded"
	userAgentHeaderName          = "User-Agent"
	defaultExecutorUserAgent     = "pacerun-action/1.0"
	maxResultBytes               = 64 * 1024
	defaultDialTimeout           = 5 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultPerformTimeout        = 15 * time.Second
	errMessageMissingEndpoint    = "action endpoint url cannot be empty"
	failureMessageMissingResult  = "endpoint response missing result id"
	failureMessageStatusFormat   = "endpoint returned status %d"
)

var errMissingEndpoint = errors.New(errMessageMissingEndpoint)

// HTTPConfig customizes an HTTPExecutor.
type HTTPConfig struct {
	EndpointURL string
	Client      *http.Client
	UserAgent   string
}

// HTTPExecutor performs actions by posting the token and target to a
// configured endpoint and classifying the response status.
type HTTPExecutor struct {
	endpointURL string
	client      *http.Client
	userAgent   string
}

var _ Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor constructs an HTTPExecutor with tuned transport timeouts.
func NewHTTPExecutor(configuration HTTPConfig) (*HTTPExecutor, error) {
	if strings.TrimSpace(configuration.EndpointURL) == "" {
		return nil, errMissingEndpoint
	}

	httpClient := configuration.Client
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultPerformTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: defaultDialTimeout}).DialContext,
				TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
				ResponseHeaderTimeout: defaultResponseHeaderTimeout,
			},
		}
	}

	userAgent := configuration.UserAgent
	if userAgent == "" {
		userAgent = defaultExecutorUserAgent
	}

	return &HTTPExecutor{
		endpointURL: configuration.EndpointURL,
		client:      httpClient,
		userAgent:   userAgent,
	}, nil
}

type endpointResult struct {
	ID string `json:"id"`
}

// Perform posts one action and classifies the result.
func (executor *HTTPExecutor) Perform(ctx context.Context, token string, target string) Outcome {
	form := url.Values{}
	form.Set(tokenFormField, token)
	form.Set(targetFormField, target)

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, executor.endpointURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Outcome{ErrorKind: KindUnknown, ErrorMessage: err.Error()}
	}
	httpRequest.Header.Set(contentTypeHeaderName, formContentType)
	httpRequest.Header.Set(userAgentHeaderName, executor.userAgent)

	httpResponse, err := executor.client.Do(httpRequest)
	if err != nil {
		return Outcome{ErrorKind: KindTransientNetwork, ErrorMessage: err.Error()}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResponse.Body, 1024))
		_ = httpResponse.Body.Close()
	}()

	if kind := classifyStatus(httpResponse.StatusCode); kind != KindNone {
		return Outcome{ErrorKind: kind, ErrorMessage: fmt.Sprintf(failureMessageStatusFormat, httpResponse.StatusCode)}
	}

	var result endpointResult
	if decodeErr := json.NewDecoder(io.LimitReader(httpResponse.Body, maxResultBytes)).Decode(&result); decodeErr != nil || result.ID == "" {
		return Outcome{ErrorKind: KindUnknown, ErrorMessage: failureMessageMissingResult}
	}
	return Outcome{Success: true, ResultID: result.ID}
}

func classifyStatus(statusCode int) Kind {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return KindNone
	case statusCode == http.StatusUnauthorized:
		return KindAuthExpired
	case statusCode == http.StatusForbidden:
		return KindPermissionDenied
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode >= 500:
		return KindTransientNetwork
	default:
		return KindUnknown
	}
}
