package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	authorizationHeaderName      = "Authorization"
	bearerSchemePrefix           = "Bearer "
	userAgentHeaderName          = "User-Agent"
	defaultProviderUserAgent     = "pacerun-capability/1.0"
	maxPageBytes                 = 512 * 1024
	defaultDialTimeout           = 5 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultAcquireTimeout        = 10 * time.Second
	errMessageMissingPageURL     = "capability page url cannot be empty"
	errMessageMissingExtractor   = "capability token extractor must be provided"
	errMessageUnexpectedStatus   = "capability page returned unexpected status code"
	errMessageTokenNotFound      = "capability token not found in page"
)

var (
	errMissingPageURL   = errors.New(errMessageMissingPageURL)
	errMissingExtractor = errors.New(errMessageMissingExtractor)
	errTokenNotFound    = errors.New(errMessageTokenNotFound)
)

// ExtractFunc locates the token within a fetched page body. The heuristic is
// supplied by the deployment; this package only performs the fetch.
type ExtractFunc func(body string) (string, bool)

// HTTPConfig customizes an HTTPProvider.
type HTTPConfig struct {
	PageURL   string
	Extract   ExtractFunc
	Client    *http.Client
	UserAgent string
}

// HTTPProvider implements Provider by fetching an authenticated page and
// delegating token extraction to the configured function.
type HTTPProvider struct {
	pageURL   string
	extract   ExtractFunc
	client    *http.Client
	userAgent string
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider constructs an HTTPProvider with tuned transport timeouts.
func NewHTTPProvider(configuration HTTPConfig) (*HTTPProvider, error) {
	if strings.TrimSpace(configuration.PageURL) == "" {
		return nil, errMissingPageURL
	}
	if configuration.Extract == nil {
		return nil, errMissingExtractor
	}

	httpClient := configuration.Client
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultAcquireTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: defaultDialTimeout}).DialContext,
				TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
				ResponseHeaderTimeout: defaultResponseHeaderTimeout,
			},
		}
	}

	userAgent := configuration.UserAgent
	if userAgent == "" {
		userAgent = defaultProviderUserAgent
	}

	return &HTTPProvider{
		pageURL:   configuration.PageURL,
		extract:   configuration.Extract,
		client:    httpClient,
		userAgent: userAgent,
	}, nil
}

// Acquire fetches the configured page with the credential as a bearer header
// and extracts the token from the body.
func (provider *HTTPProvider) Acquire(ctx context.Context, credential string) (string, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.pageURL, nil)
	if err != nil {
		return "", err
	}
	httpRequest.Header.Set(authorizationHeaderName, bearerSchemePrefix+credential)
	httpRequest.Header.Set(userAgentHeaderName, provider.userAgent)

	httpResponse, err := provider.client.Do(httpRequest)
	if err != nil {
		return "", err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResponse.Body, 1024))
		_ = httpResponse.Body.Close()
	}()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return "", fmt.Errorf("%s: %d", errMessageUnexpectedStatus, httpResponse.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxPageBytes))
	if err != nil {
		return "", err
	}

	token, found := provider.extract(string(body))
	if !found || strings.TrimSpace(token) == "" {
		return "", errTokenNotFound
	}
	return token, nil
}
