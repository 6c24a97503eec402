// Package nodeclient is the typed HTTP client for the passport node
// API. It signs every request with the caller's identity key and maps
// HTTP failures back to the domain sentinels, so the orchestrator can
// treat a remote catalog exactly like a local one.
package nodeclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/org/healthpassport/internal/blobstore"
	"github.com/org/healthpassport/internal/catalog"
	"github.com/org/healthpassport/internal/datatype"
	"github.com/org/healthpassport/internal/storage"
	"github.com/org/healthpassport/pkg/models"
)

// Client talks to one passport node as one identity.
type Client struct {
	addr     string
	identity string
	key      ed25519.PrivateKey
	http     *http.Client
}

// New creates a Client for the node at addr, authenticating as the
// given identity key.
func New(addr string, key ed25519.PrivateKey) *Client {
	pub := key.Public().(ed25519.PublicKey)
	return &Client{
		addr:     strings.TrimRight(addr, "/"),
		identity: hex.EncodeToString(pub),
		key:      key,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Identity returns the hex-encoded public key the client signs as.
func (c *Client) Identity() string { return c.identity }

func (c *Client) sign(method, path string, body []byte) string {
	sum := sha256.Sum256(body)
	challenge := fmt.Appendf(nil, "hp-request-v1|%s|%s|%s", method, path, hex.EncodeToString(sum[:]))
	return base64.StdEncoding.EncodeToString(ed25519.Sign(c.key, challenge))
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	// Sign over the path without query; the server verifies the same.
	signPath := path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		signPath = path[:i]
	}
	req.Header.Set("X-HP-Identity", c.identity)
	req.Header.Set("X-HP-Signature", c.sign(method, signPath, body))
	return c.http.Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	resp, err := c.do(ctx, method, path, data, "application/json")
	if err != nil {
		return fmt.Errorf("node unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeAPIError maps the node's error responses back to the domain
// sentinels the orchestrator understands. Responses carry a stable
// "code" field; the status line is a fallback for responses without one
// (auth middleware errors, intermediaries).
func decodeAPIError(resp *http.Response) error {
	var e struct {
		Errors []string `json:"errors"`
		Code   string   `json:"code"`
	}
	msg := ""
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && len(e.Errors) > 0 {
		msg = e.Errors[0]
	}

	switch e.Code {
	case "not_found":
		return storage.ErrNotFound
	case "version_conflict":
		return fmt.Errorf("%w: %s", storage.ErrVersionConflict, msg)
	case "already_exists":
		return fmt.Errorf("%s: %w", msg, storage.ErrAlreadyExists)
	case "duplicate_reference":
		return fmt.Errorf("%w: %s", catalog.ErrDuplicateReference, msg)
	case "indexed_pointer":
		return catalog.ErrIndexedPointer
	case "access_denied":
		return fmt.Errorf("%w: %s", catalog.ErrAccessDenied, msg)
	case "invalid_data_type":
		return fmt.Errorf("%w: %s", datatype.ErrInvalidDataType, msg)
	case "empty_reference":
		return fmt.Errorf("%w: %s", catalog.ErrEmptyReference, msg)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return storage.ErrNotFound
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", catalog.ErrAccessDenied, msg)
	default:
		return fmt.Errorf("node returned %d: %s", resp.StatusCode, msg)
	}
}

// --- Passport registry ---

// CreatePassport mints a passport for the client's identity.
func (c *Client) CreatePassport(ctx context.Context, countryCode string, analyticsOptIn bool) (*models.Passport, error) {
	var p models.Passport
	err := c.doJSON(ctx, http.MethodPost, "/v1/passport", map[string]any{
		"country_code":     countryCode,
		"analytics_opt_in": analyticsOptIn,
	}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Lookup resolves the client identity's own passport.
func (c *Client) Lookup(ctx context.Context) (*models.Passport, error) {
	var p models.Passport
	if err := c.doJSON(ctx, http.MethodGet, "/v1/passport/lookup", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPassport fetches a passport by id (owner only).
func (c *Client) GetPassport(ctx context.Context, passportID string) (*models.Passport, error) {
	var p models.Passport
	if err := c.doJSON(ctx, http.MethodGet, "/v1/passport/"+passportID, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetAnalyticsOptIn flips the consent flag on the client's passport.
func (c *Client) SetAnalyticsOptIn(ctx context.Context, passportID string, optIn bool) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/passport/"+passportID+"/analytics",
		map[string]bool{"opt_in": optIn}, nil)
}

// --- Entry catalog (satisfies the orchestrator's Catalog interface) ---

// HasEntry asks the node's existence endpoint, which answers without an
// access check, matching the in-process catalog.
func (c *Client) HasEntry(ctx context.Context, passportID, dataType string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/passport/"+passportID+"/entry/"+dataType+"/exists", nil, &out)
	if err != nil {
		return false, err
	}
	return out.Exists, nil
}

// GetEntry fetches the current pointer. caller is ignored: the client
// always acts as its own identity.
func (c *Client) GetEntry(ctx context.Context, _ string, passportID, dataType string) (*models.EntryPointer, error) {
	var ptr models.EntryPointer
	err := c.doJSON(ctx, http.MethodGet, "/v1/passport/"+passportID+"/entry/"+dataType, nil, &ptr)
	if err != nil {
		return nil, err
	}
	return &ptr, nil
}

func (c *Client) WriteEntry(ctx context.Context, _ string, passportID, dataType, blobRef string, mode models.WriteMode, expectedVersion int64) (*models.EntryPointer, error) {
	body := map[string]any{"blob_ref": blobRef, "mode": string(mode)}
	if expectedVersion != storage.NoVersionCheck {
		body["expected_version"] = expectedVersion
	}
	var ptr models.EntryPointer
	err := c.doJSON(ctx, http.MethodPost, "/v1/passport/"+passportID+"/entry/"+dataType, body, &ptr)
	if err != nil {
		return nil, err
	}
	return &ptr, nil
}

func (c *Client) SetDescriptor(ctx context.Context, _ string, passportID, dataType, metaRef string, expectedVersion int64) (*models.EntryPointer, error) {
	body := map[string]any{"meta_ref": metaRef}
	if expectedVersion != storage.NoVersionCheck {
		body["expected_version"] = expectedVersion
	}
	var ptr models.EntryPointer
	err := c.doJSON(ctx, http.MethodPost, "/v1/passport/"+passportID+"/entry/"+dataType+"/descriptor", body, &ptr)
	if err != nil {
		return nil, err
	}
	return &ptr, nil
}

// ListEntryTypes lists data types with entries on the passport.
func (c *Client) ListEntryTypes(ctx context.Context, passportID string) ([]string, error) {
	var out struct {
		DataTypes []string `json:"data_types"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/passport/"+passportID+"/entry", nil, &out)
	return out.DataTypes, err
}

// --- Grants ---

func (c *Client) Grant(ctx context.Context, passportID, dataType, granteeIdentity string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/passport/"+passportID+"/grant",
		map[string]string{"data_type": dataType, "grantee_identity": granteeIdentity}, nil)
}

func (c *Client) Revoke(ctx context.Context, passportID, dataType, granteeIdentity string) error {
	return c.doJSON(ctx, http.MethodDelete,
		"/v1/passport/"+passportID+"/grant/"+dataType+"/"+granteeIdentity, nil, nil)
}

func (c *Client) ListGrants(ctx context.Context, passportID string) ([]*models.Grant, error) {
	var out struct {
		Grants []*models.Grant `json:"grants"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/passport/"+passportID+"/grant", nil, &out)
	return out.Grants, err
}

// --- Blobs (satisfies blobstore.Store) ---

func (c *Client) Put(ctx context.Context, data []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/blob", data, "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("%w: %v", blobstore.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		return "", fmt.Errorf("%w: node blob backend down", blobstore.ErrUnavailable)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", decodeAPIError(resp)
	}
	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding blob ref: %w", err)
	}
	return out.Ref, nil
}

func (c *Client) Get(ctx context.Context, ref string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/blob/"+ref, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", blobstore.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, blobstore.ErrNotFound
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: node blob backend down", blobstore.ErrUnavailable)
	default:
		return nil, decodeAPIError(resp)
	}
}

// --- Audit ---

// AuditLog fetches recent audit entries from the node.
func (c *Client) AuditLog(ctx context.Context, path string, limit int) ([]*models.AuditEntry, error) {
	var out struct {
		Entries []*models.AuditEntry `json:"entries"`
	}
	url := fmt.Sprintf("/v1/sys/audit-log?path=%s&limit=%d", path, limit)
	err := c.doJSON(ctx, http.MethodGet, url, nil, &out)
	return out.Entries, err
}
