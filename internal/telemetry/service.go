package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/gosymbo/voiceclient/internal/client"
)

// keyRequest is the payload sent to the analytics backend's key endpoint.
type keyRequest struct {
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

// keyResponse is the key endpoint's data payload.
type keyResponse struct {
	InsightsKey string `json:"insights_key"`
	RTPEnabled  bool   `json:"rtp_enabled"`
}

// networkChangeReport is the payload for a network-change event.
type networkChangeReport struct {
	NetworkType string `json:"network_type"`
	Address     string `json:"address"`
	ReportedAt  int64  `json:"reported_at_ms"`
}

// envelope is the analytics backend's standard response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Service talks to the call-analytics backend: insights-key retrieval,
// network-change reporting, and public-address resolution. Reports are rate
// limited so a flapping network cannot flood the backend.
type Service struct {
	httpClient  *http.Client
	baseURL     string
	resolverURL string
	logger      *slog.Logger
	limiter     *rate.Limiter
}

// NewService creates a telemetry client. baseURL is the analytics backend
// root; resolverURL is the what-is-my-ip endpoint returning a bare address.
func NewService(baseURL, resolverURL string, logger *slog.Logger) *Service {
	return &Service{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		resolverURL: resolverURL,
		logger:      logger.With("component", "telemetry"),
		limiter:     rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

// Configured reports whether a backend URL is set. An unconfigured service
// degrades every operation to a no-op or error, never a panic.
func (s *Service) Configured() bool { return s.baseURL != "" }

// FetchKey retrieves the call-insights key for the logged-in identity.
func (s *Service) FetchKey(ctx context.Context, identity, secret string, isToken bool) (client.TelemetryKey, error) {
	if !s.Configured() {
		return client.TelemetryKey{}, fmt.Errorf("telemetry: backend not configured")
	}

	req := keyRequest{}
	if isToken {
		req.AccessToken = secret
	} else {
		req.Username = identity
		req.Password = secret
	}

	var resp keyResponse
	if err := s.post(ctx, "/v1/insights/key", req, &resp); err != nil {
		return client.TelemetryKey{}, err
	}
	return client.TelemetryKey{
		InsightsKey: resp.InsightsKey,
		RTPEnabled:  resp.RTPEnabled,
	}, nil
}

// ReportNetworkChange submits a network-change event. Best-effort: failures
// and rate-limit drops are logged at debug and swallowed.
func (s *Service) ReportNetworkChange(ctx context.Context, networkType, address string) {
	if !s.Configured() {
		return
	}
	if !s.limiter.Allow() {
		s.logger.Debug("network change report dropped by rate limit")
		return
	}

	report := networkChangeReport{
		NetworkType: networkType,
		Address:     address,
		ReportedAt:  time.Now().UnixMilli(),
	}
	if err := s.post(ctx, "/v1/insights/network-change", report, nil); err != nil {
		s.logger.Debug("network change report failed", "error", err)
		return
	}
	s.logger.Debug("network change reported",
		"network_type", networkType,
		"address", address,
	)
}

// ResolvePublicAddress fetches the device's public address from the resolver
// endpoint and validates it parses as an IP.
func (s *Service) ResolvePublicAddress(ctx context.Context) (string, error) {
	if s.resolverURL == "" {
		return "", fmt.Errorf("telemetry: resolver not configured")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.resolverURL, nil)
	if err != nil {
		return "", fmt.Errorf("telemetry: creating resolver request: %w", err)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("telemetry: resolving public address: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telemetry: resolver returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("telemetry: reading resolver response: %w", err)
	}

	addr := strings.TrimSpace(string(body))
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("telemetry: resolver returned %q, not an ip address", addr)
	}
	return addr, nil
}

// post sends a JSON payload and decodes the enveloped response into out when
// out is non-nil.
func (s *Service) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telemetry: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telemetry: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("telemetry: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("telemetry: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return fmt.Errorf("telemetry: backend error (status %d): %s", resp.StatusCode, env.Error)
		}
		return fmt.Errorf("telemetry: backend returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("telemetry: decoding response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("telemetry: decoding response data: %w", err)
	}
	return nil
}
