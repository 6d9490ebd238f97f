// Package backend talks to the hosted PostgREST data API that owns the
// storefront tables.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/appejv/storesync/internal/security"
)

// Tables the storefront writes to. Other names are accepted as long as they
// are valid identifiers.
var KnownResources = []string{"products", "orders", "order_items", "profiles", "categories", "notifications"}

var (
	// ErrInvalidResource is returned for table names PostgREST would not route.
	ErrInvalidResource = errors.New("backend: invalid resource name")
	// ErrMissingID is returned when an update or delete has no row id.
	ErrMissingID = errors.New("backend: missing row id")
)

var resourcePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

const serviceTokenTTL = 5 * time.Minute

// RemoteError is a non-2xx answer from the data API.
type RemoteError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %d: %s", e.Status, e.Message)
}

// Permanent reports whether sending the same request again cannot succeed.
func (e *RemoteError) Permanent() bool {
	switch e.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.Status >= 400 && e.Status < 500
}

// IsPermanent reports whether err is a RemoteError the server will keep rejecting.
func IsPermanent(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Permanent()
}

// Config holds connection settings for the data API.
type Config struct {
	URL        string
	AnonKey    string
	ServiceKey string
	// JWTSecret, when set, is used to mint short-lived service-role tokens
	// instead of sending ServiceKey.
	JWTSecret string
	Timeout   time.Duration
}

// Client is a minimal PostgREST client. Each call makes exactly one attempt.
type Client struct {
	baseURL    string
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new data API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		cfg:     cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With("component", "backend"),
	}
}

// Insert creates a row.
func (c *Client) Insert(ctx context.Context, resource string, record map[string]any) error {
	if err := validateResource(resource); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, resource, nil, record)
}

// Update patches the row whose id matches.
func (c *Client) Update(ctx context.Context, resource, id string, fields map[string]any) error {
	if err := validateResource(resource); err != nil {
		return err
	}
	if id == "" {
		return ErrMissingID
	}
	return c.do(ctx, http.MethodPatch, resource, idFilter(id), fields)
}

// Delete removes the row whose id matches.
func (c *Client) Delete(ctx context.Context, resource, id string) error {
	if err := validateResource(resource); err != nil {
		return err
	}
	if id == "" {
		return ErrMissingID
	}
	return c.do(ctx, http.MethodDelete, resource, idFilter(id), nil)
}

func validateResource(resource string) error {
	if !resourcePattern.MatchString(resource) {
		return fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}
	return nil
}

func idFilter(id string) url.Values {
	return url.Values{"id": []string{"eq." + id}}
}

func (c *Client) do(ctx context.Context, method, resource string, query url.Values, body any) error {
	endpoint := c.baseURL + "/rest/v1/" + resource
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", resource, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Prefer", "return=minimal")

	token, err := c.bearer()
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.cfg.AnonKey)
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, resource, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request",
		"method", method,
		"resource", resource,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	remote := &RemoteError{Status: resp.StatusCode}
	if err := json.Unmarshal(raw, remote); err != nil || remote.Message == "" {
		remote.Message = strings.TrimSpace(string(raw))
		if remote.Message == "" {
			remote.Message = http.StatusText(resp.StatusCode)
		}
	}
	return remote
}

func (c *Client) bearer() (string, error) {
	if c.cfg.JWTSecret != "" {
		token, err := security.ServiceToken([]byte(c.cfg.JWTSecret), serviceTokenTTL)
		if err != nil {
			return "", fmt.Errorf("mint service token: %w", err)
		}
		return token, nil
	}
	if c.cfg.ServiceKey != "" {
		return c.cfg.ServiceKey, nil
	}
	return c.cfg.AnonKey, nil
}
