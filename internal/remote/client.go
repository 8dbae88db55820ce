package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTransport marks failures where the server's verdict is unknown: network
	// errors, timeouts and 5xx responses. The caller retries later.
	ErrTransport = errors.New("remote: transport failure")
	// ErrRejected marks non-2xx responses where the server refused the request.
	ErrRejected = errors.New("remote: request rejected")

	errMissingBaseURL     = errors.New("remote: base url is required")
	errMissingCredentials = errors.New("remote: credentials are required")
	errMissingDeviceID    = errors.New("remote: device id is required")
)

const (
	defaultTimeout = 30 * time.Second
	// DeviceHeader names the header carrying the local device identifier.
	DeviceHeader = "X-Device-ID"
	maxErrorBody = 4096
)

// Credentials yields the bearer token presented to the server.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)
}

// ClientConfig wires the HTTP client to the server of record.
type ClientConfig struct {
	BaseURL     string
	Credentials Credentials
	DeviceID    string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// Client talks JSON over HTTP to the sync endpoints.
type Client struct {
	baseURL     *url.URL
	credentials Credentials
	deviceID    string
	httpClient  *http.Client
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	trimmed := strings.TrimSpace(cfg.BaseURL)
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(trimmed, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errMissingDeviceID
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:     base,
		credentials: cfg.Credentials,
		deviceID:    cfg.DeviceID,
		httpClient:  httpClient,
	}, nil
}

// Push sends a batch of changes and returns the per-change verdicts.
func (c *Client) Push(ctx context.Context, changes []Change) (PushResponse, error) {
	body, err := json.Marshal(PushRequest{Changes: changes})
	if err != nil {
		return PushResponse{}, fmt.Errorf("remote: encode push: %w", err)
	}
	var response PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", nil, body, &response); err != nil {
		return PushResponse{}, err
	}
	return response, nil
}

// Watermark returns the server's highest sequence.
func (c *Client) Watermark(ctx context.Context) (int64, error) {
	var response WatermarkResponse
	if err := c.do(ctx, http.MethodGet, "/sync/watermark", nil, nil, &response); err != nil {
		return 0, err
	}
	return response.ServerSeq, nil
}

// FetchChanges returns one page of a table's rows in the requested sequence range.
func (c *Client) FetchChanges(ctx context.Context, query ChangesQuery) (ChangesResponse, error) {
	values := url.Values{}
	values.Set("since", strconv.FormatInt(query.Since, 10))
	if query.Until > 0 {
		values.Set("until", strconv.FormatInt(query.Until, 10))
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	var response ChangesResponse
	path := "/sync/tables/" + url.PathEscape(query.Table) + "/changes"
	if err := c.do(ctx, http.MethodGet, path, values, nil, &response); err != nil {
		return ChangesResponse{}, err
	}
	return response, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	token, err := c.credentials.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("remote: access token: %w", err)
	}

	target := *c.baseURL
	target.Path = c.baseURL.Path + path
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set(DeviceHeader, c.deviceID)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return statusError(method, path, response)
	}

	decoder := json.NewDecoder(response.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: decode response: %v", ErrTransport, method, path, err)
	}
	return nil
}

func statusError(method, path string, response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	message := strings.TrimSpace(string(raw))
	var payload ErrorResponse
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		message = payload.Error
		if payload.Code != "" {
			message = payload.Code + ": " + payload.Error
		}
	}
	kind := ErrRejected
	if response.StatusCode >= http.StatusInternalServerError {
		kind = ErrTransport
	}
	return fmt.Errorf("%w: %s %s: status %d: %s", kind, method, path, response.StatusCode, message)
}
