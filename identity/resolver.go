// Package identity resolves social identities (FIDs) to verified wallet
// addresses via the platform's identity service.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Resolver looks up the verified wallet addresses for a social identity.
// An empty slice with a nil error means the identity has no verified wallet.
type Resolver interface {
	VerifiedAddresses(ctx context.Context, fid uint64) ([]string, error)
}

// HTTPResolver queries the identity service over HTTP.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResolver constructs a resolver against the supplied base URL.
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type verificationsResponse struct {
	Addresses []string `json:"addresses"`
}

// VerifiedAddresses fetches the verified wallets for the FID.
func (r *HTTPResolver) VerifiedAddresses(ctx context.Context, fid uint64) ([]string, error) {
	url := fmt.Sprintf("%s/v1/verifications/%d", r.baseURL, fid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: lookup fid %d: %w", fid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: lookup fid %d: unexpected status %d", fid, resp.StatusCode)
	}
	var payload verificationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("identity: decode response: %w", err)
	}
	addresses := make([]string, 0, len(payload.Addresses))
	for _, addr := range payload.Addresses {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr != "" {
			addresses = append(addresses, addr)
		}
	}
	return addresses, nil
}
