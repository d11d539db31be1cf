package cctp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
)

var attestationPattern = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

// AttestationResponse represents the attestation service response, services differ in the field they use
type AttestationResponse struct {
	Attestation          string `json:"attestation,omitempty"`
	AttestationSignature string `json:"attestationSignature,omitempty"`
	Status               string `json:"status,omitempty"`
	Data                 *struct {
		Attestation string `json:"attestation,omitempty"`
	} `json:"data,omitempty"`
}

// Signature returns the first well formed hex attestation of the response
func (r AttestationResponse) Signature() (string, bool) {
	candidates := []string{r.Attestation, r.AttestationSignature}
	if r.Data != nil {
		candidates = append(candidates, r.Data.Attestation)
	}
	for _, c := range candidates {
		if attestationPattern.MatchString(c) {
			return c, true
		}
	}
	return "", false
}

// AttestationClient represents an attestation service client
type AttestationClient struct {
	baseURL    string
	httpClient *http.Client
	logger     logger.Logger
}

// NewAttestationClient creates a new attestation client, the message hash is appended to baseURL
func NewAttestationClient(baseURL string, log logger.Logger) *AttestationClient {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &AttestationClient{
		baseURL:    baseURL,
		httpClient: createHTTPClient(),
		logger:     log,
	}
}

// Raw fetches the attestation document of messageHash as returned by the service
func (c *AttestationClient) Raw(ctx context.Context, messageHash common.Hash) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+messageHash.Hex(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to fetch attestation: %w", err)
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, bodyBytes, nil
}

// Fetch returns the attestation of messageHash, ready is false while the service has none.
// Pending and unknown messages are not errors.
func (c *AttestationClient) Fetch(ctx context.Context, messageHash common.Hash) (string, bool, error) {
	status, bodyBytes, err := c.Raw(ctx, messageHash)
	if err != nil {
		return "", false, err
	}
	if status == http.StatusNotFound {
		return "", false, nil
	}
	if status != http.StatusOK {
		return "", false, fmt.Errorf("unexpected status code: %d, body: %s", status, string(bodyBytes))
	}

	var resp AttestationResponse
	if err := json.Unmarshal(bodyBytes, &resp); err != nil {
		return "", false, fmt.Errorf("failed to decode attestation: %w, body: %s", err, string(bodyBytes))
	}

	signature, ok := resp.Signature()
	if !ok {
		c.logger.Debug("Attestation for %s not ready (status: %s)", messageHash.Hex(), resp.Status)
	}
	return signature, ok, nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
