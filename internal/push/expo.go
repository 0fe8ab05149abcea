package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultExpoEndpoint is Expo's push send API.
	DefaultExpoEndpoint = "https://exp.host/--/api/v2/push/send"

	defaultRatePerSecond = 100
	defaultHTTPTimeout   = 15 * time.Second
	maxResponseBytes     = 1 << 20
	userAgent            = "featureboard-notifier/1"

	ticketStatusOK         = "ok"
	errorDeviceNotRegister = "DeviceNotRegistered"
)

var (
	// ErrMissingAccessToken indicates that push is enabled without credentials.
	ErrMissingAccessToken = errors.New("push: access token is required")
	// ErrInvalidEndpoint indicates a malformed provider URL.
	ErrInvalidEndpoint = errors.New("push: invalid endpoint")
	// ErrTokenRejected wraps provider responses that invalidate a device token.
	ErrTokenRejected = errors.New("push: token rejected")
)

// ExpoConfig configures the Expo-compatible provider.
type ExpoConfig struct {
	Endpoint      string
	AccessToken   string
	RatePerSecond float64
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// ExpoProvider sends push notifications through an Expo-compatible HTTP API.
type ExpoProvider struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
}

type expoMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details"`
}

type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// NewExpoProvider validates cfg and constructs the provider.
func NewExpoProvider(cfg ExpoConfig) (*ExpoProvider, error) {
	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, ErrMissingAccessToken
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultExpoEndpoint
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpoProvider{
		endpoint:    endpoint,
		accessToken: accessToken,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:      logger.Named("expo-push"),
	}, nil
}

// Send posts one message for token and maps the ticket onto a Result.
func (p *ExpoProvider) Send(ctx context.Context, token string, message Message) (Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		pushSendTotal.WithLabelValues(TransientError.String()).Inc()
		return TransientError, fmt.Errorf("push: rate limiter: %w", err)
	}

	body, err := json.Marshal([]expoMessage{{
		To:    token,
		Title: message.Title,
		Body:  message.Body,
		Data:  message.Data,
		Sound: "default",
	}})
	if err != nil {
		return TransientError, fmt.Errorf("push: marshal payload: %w", err)
	}

	start := time.Now()
	result, err := p.post(ctx, body)
	pushSendTotal.WithLabelValues(result.String()).Inc()
	pushSendDuration.WithLabelValues(result.String()).Observe(time.Since(start).Seconds())
	return result, err
}

func (p *ExpoProvider) post(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return TransientError, fmt.Errorf("push: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+p.accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return TransientError, fmt.Errorf("push: request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return TransientError, fmt.Errorf("push: provider returned HTTP %d", resp.StatusCode)
	}

	var decoded expoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&decoded); err != nil {
		return TransientError, fmt.Errorf("push: decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if len(decoded.Errors) > 0 {
		return TransientError, fmt.Errorf("push: provider error %s: %s", decoded.Errors[0].Code, decoded.Errors[0].Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TransientError, fmt.Errorf("push: provider returned HTTP %d", resp.StatusCode)
	}
	if len(decoded.Data) == 0 {
		return TransientError, errors.New("push: provider returned no ticket")
	}

	ticket := decoded.Data[0]
	if ticket.Status == ticketStatusOK {
		return Delivered, nil
	}
	if ticket.Details.Error == errorDeviceNotRegister {
		p.logger.Debug("push token rejected", zap.String("detail", ticket.Message))
		return InvalidToken, fmt.Errorf("%w: %s", ErrTokenRejected, ticket.Message)
	}
	return TransientError, fmt.Errorf("push: ticket error %s: %s", ticket.Details.Error, ticket.Message)
}
