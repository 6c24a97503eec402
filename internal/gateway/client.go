package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/org/healthpassport/pkg/models"
)

// ServiceClient talks to one remote key-holding service over HTTP.
// Service count and addresses are configuration, never hard-coded.
type ServiceClient struct {
	id      string
	baseURL string
	http    *http.Client
}

// NewServiceClient creates a client for the service at baseURL.
func NewServiceClient(id, baseURL string) *ServiceClient {
	return &ServiceClient{
		id:      id,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *ServiceClient) ID() string { return c.id }

type wrapResponse struct {
	Wrapped string `json:"wrapped"`
}

type unwrapResponse struct {
	Share string `json:"share"`
}

type errorResponse struct {
	Errors []string `json:"errors"`
}

// Wrap asks the service to wrap a key share under the policy identifier.
func (c *ServiceClient) Wrap(ctx context.Context, policyID string, share []byte) ([]byte, error) {
	body := map[string]string{
		"policy_id": policyID,
		"share":     base64.StdEncoding.EncodeToString(share),
	}
	var resp wrapResponse
	if err := c.post(ctx, "/v1/share/wrap", body, &resp); err != nil {
		return nil, err
	}
	wrapped, err := base64.StdEncoding.DecodeString(resp.Wrapped)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped share from %s: %w", c.id, err)
	}
	return wrapped, nil
}

// Unwrap presents the proof and asks the service to unwrap its share.
func (c *ServiceClient) Unwrap(ctx context.Context, policyID string, wrapped []byte, proof *models.AccessProof) ([]byte, error) {
	body := map[string]any{
		"policy_id": policyID,
		"wrapped":   base64.StdEncoding.EncodeToString(wrapped),
		"proof":     proof,
	}
	var resp unwrapResponse
	if err := c.post(ctx, "/v1/share/unwrap", body, &resp); err != nil {
		return nil, err
	}
	share, err := base64.StdEncoding.DecodeString(resp.Share)
	if err != nil {
		return nil, fmt.Errorf("decoding share from %s: %w", c.id, err)
	}
	return share, nil
}

func (c *ServiceClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("key service %s unreachable: %w", c.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		var e errorResponse
		json.NewDecoder(resp.Body).Decode(&e) //nolint:errcheck
		msg := "proof refused"
		if len(e.Errors) > 0 {
			msg = e.Errors[0]
		}
		return fmt.Errorf("%w: %s: %s", ErrAccessDenied, c.id, msg)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key service %s returned %d", c.id, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
