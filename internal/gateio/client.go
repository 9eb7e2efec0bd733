package gateio

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/camuig/spot-ledger/internal/config"
	"github.com/camuig/spot-ledger/internal/exchange"
	"github.com/camuig/spot-ledger/internal/logger"
)

const rateBurst = 5

// Labels Gate returns when the key, signature or permissions are rejected.
var authLabels = map[string]bool{
	"INVALID_KEY":             true,
	"INVALID_SIGNATURE":       true,
	"MISSING_REQUIRED_HEADER": true,
	"REQUEST_EXPIRED":         true,
	"IP_FORBIDDEN":            true,
	"READ_ONLY":               true,
	"INVALID_CREDENTIALS":     true,
	"FORBIDDEN":               true,
}

// Client talks to the Gate.io APIv4 private spot endpoints.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    *url.URL
	apiKey     string
	apiSecret  string
	now        func() time.Time
	logger     *logger.Logger
}

func NewClient(cfg *config.Config, log *logger.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.Gate.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gate.base_url: %w", err)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.GateTimeout()},
		limiter:    rate.NewLimiter(rate.Limit(cfg.Gate.RequestsPerSecond), rateBurst),
		baseURL:    base,
		apiKey:     cfg.Gate.APIKey,
		apiSecret:  cfg.Gate.APISecret,
		now:        time.Now,
		logger:     log,
	}, nil
}

// sign builds the APIv4 signature over method, path, query, body hash and timestamp.
func (c *Client) sign(method, path, query string, body []byte, timestamp string) string {
	bodyHash := sha512.Sum512(body)
	payload := strings.Join([]string{
		method,
		path,
		query,
		hex.EncodeToString(bodyHash[:]),
		timestamp,
	}, "\n")

	h := hmac.New(sha512.New, []byte(c.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

type apiErrorBody struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

// get performs a signed GET and decodes a 200 response into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	fullPath := c.baseURL.Path + path
	query := params.Encode()
	u := *c.baseURL
	u.Path = fullPath
	u.RawQuery = query

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("KEY", c.apiKey)
	req.Header.Set("Timestamp", timestamp)
	req.Header.Set("SIGN", c.sign(http.MethodGet, fullPath, query, nil, timestamp))
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &exchange.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &exchange.TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return classify(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func classify(status int, body []byte) error {
	var apiErr apiErrorBody
	_ = json.Unmarshal(body, &apiErr)
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || authLabels[apiErr.Label]:
		return &exchange.AuthError{Label: apiErr.Label, Message: apiErr.Message}
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return &exchange.TransientError{Err: &exchange.APIError{Status: status, Label: apiErr.Label, Message: apiErr.Message}}
	default:
		return &exchange.APIError{Status: status, Label: apiErr.Label, Message: apiErr.Message}
	}
}

func hasLabel(err error, label string) bool {
	var apiErr *exchange.APIError
	return errors.As(err, &apiErr) && apiErr.Label == label
}
