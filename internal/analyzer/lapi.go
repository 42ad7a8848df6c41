package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/capigate/capigate/internal/config"
	"github.com/capigate/capigate/internal/models"
)

// LAPIClient pushes decisions into one locally-defined CrowdSec LAPI server.
type LAPIClient struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewLAPIClient creates a client for one configured server.
func NewLAPIClient(cfg config.LAPIServerConfig, timeout time.Duration) *LAPIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LAPIClient{
		url:        strings.TrimSuffix(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// URL returns the server base URL, used as the decision's server reference.
func (c *LAPIClient) URL() string { return c.url }

// PushDecision submits one decision. Any non-2xx response is an error.
func (c *LAPIClient) PushDecision(ctx context.Context, d models.Decision) error {
	body, err := json.Marshal([]models.Decision{d})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/decisions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Api-Key", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("LAPI %s returned status %d", c.url, resp.StatusCode)
	}
	return nil
}
