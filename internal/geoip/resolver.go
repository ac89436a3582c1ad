// Package geoip resolves IP addresses to coarse locations (country, city).
// Resolution is best-effort: every failure mode collapses to the Unknown
// sentinel so the login path never stalls or aborts on geolocation.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/subportal/backend/internal/metrics"
)

// UnknownValue is the sentinel for an unresolvable country or city. It is
// load-bearing: the anomaly detector never treats Unknown as "different".
const UnknownValue = "Unknown"

// Location is a coarse IP-derived location. Country is an ISO 3166-1 alpha-2
// code when resolution succeeds.
type Location struct {
	Country string
	City    string
}

// Unknown returns the sentinel location used when resolution fails
func Unknown() Location {
	return Location{Country: UnknownValue, City: UnknownValue}
}

// IsUnknown reports whether the country could not be resolved
func (l Location) IsUnknown() bool {
	return l.Country == "" || l.Country == UnknownValue
}

// Resolver maps an IP address to a Location. Implementations never return an
// error; callers get Unknown instead.
type Resolver interface {
	Resolve(ctx context.Context, ip string) Location
}

// HTTPResolver resolves IPs through an ip-api.com style JSON endpoint
type HTTPResolver struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// HTTPResolverConfig holds configuration for HTTPResolver
type HTTPResolverConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewHTTPResolver creates a new HTTPResolver instance
func NewHTTPResolver(cfg HTTPResolverConfig) *HTTPResolver {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPResolver{
		client:  &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// lookupResponse mirrors the ip-api.com JSON payload fields we request
type lookupResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
}

// Resolve looks up the location for an IP. Timeouts, transport errors,
// non-200 responses, and lookup failures all return Unknown.
func (r *HTTPResolver) Resolve(ctx context.Context, ip string) (loc Location) {
	if ip == "" {
		return Unknown()
	}

	start := time.Now()
	defer func() {
		outcome := "ok"
		if loc.IsUnknown() {
			outcome = "unknown"
		}
		metrics.ObserveGeoLookup(outcome, time.Since(start))
	}()

	endpoint := fmt.Sprintf("%s/%s?fields=status,countryCode,city", r.baseURL, url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		r.logger.Debug("geoip request build failed", "ip", ip, "error", err)
		return Unknown()
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("geoip lookup failed", "ip", ip, "error", err)
		return Unknown()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Debug("geoip lookup returned non-200", "ip", ip, "status", resp.StatusCode)
		return Unknown()
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		r.logger.Debug("geoip response decode failed", "ip", ip, "error", err)
		return Unknown()
	}

	if body.Status != "success" || body.CountryCode == "" {
		return Unknown()
	}

	city := body.City
	if city == "" {
		city = UnknownValue
	}

	return Location{Country: body.CountryCode, City: city}
}
