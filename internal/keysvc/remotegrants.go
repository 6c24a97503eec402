package keysvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RemoteAccessList consults a passport node's grant-check endpoint so a
// key service deployed on its own host can verify grantee proofs.
type RemoteAccessList struct {
	nodeURL string
	http    *http.Client
}

// NewRemoteAccessList creates an AccessList backed by the node at nodeURL.
func NewRemoteAccessList(nodeURL string) *RemoteAccessList {
	return &RemoteAccessList{
		nodeURL: strings.TrimRight(nodeURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *RemoteAccessList) GrantExists(ctx context.Context, passportID, dataType, granteeIdentity string) (bool, error) {
	// Identifiers are caller-supplied; reject anything that is not a
	// UUID or a plain token before it reaches the query string.
	if _, err := uuid.Parse(passportID); err != nil {
		return false, nil
	}

	q := url.Values{}
	q.Set("passport_id", passportID)
	q.Set("data_type", dataType)
	q.Set("grantee", granteeIdentity)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.nodeURL+"/v1/grantcheck?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("grant check unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("grant check returned %d", resp.StatusCode)
	}

	var out struct {
		Granted bool `json:"granted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding grant check response: %w", err)
	}
	return out.Granted, nil
}
