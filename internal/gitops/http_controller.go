package gitops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDeliveryController talks to a GitOps bridge service that commits
// descriptors to the fleet repository and reads rollout status back from the
// continuous-delivery controller.
type HTTPDeliveryController struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewHTTPDeliveryController creates a controller for the bridge at baseURL.
func NewHTTPDeliveryController(baseURL, token string, timeout time.Duration) *HTTPDeliveryController {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDeliveryController{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	Path         string `json:"path"`
	NodeID       string `json:"node_id"`
	DeploymentID string `json:"deployment_id"`
	Content      string `json:"content"`
	Message      string `json:"message"`
}

type submitResponse struct {
	CommitSHA string `json:"commit_sha"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SubmitDescriptor renders d and posts it to the bridge.
func (c *HTTPDeliveryController) SubmitDescriptor(ctx context.Context, d *Descriptor) (string, error) {
	content, err := d.Render()
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(submitRequest{
		Path:         d.FilePath,
		NodeID:       d.NodeID,
		DeploymentID: d.DeploymentID,
		Content:      string(content),
		Message:      fmt.Sprintf("deploy %s to %s", d.Metadata.Annotations[annotPackageRef], d.NodeID),
	})
	if err != nil {
		return "", fmt.Errorf("encoding submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/descriptors", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting descriptor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submitting descriptor: %s", errorBody(resp))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if out.CommitSHA == "" {
		return "", fmt.Errorf("submitting descriptor: bridge returned no commit sha")
	}
	return out.CommitSHA, nil
}

// GetStatus fetches the rollout status of commitRef.
func (c *HTTPDeliveryController) GetStatus(ctx context.Context, commitRef string) (RolloutStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/rollouts/"+url.PathEscape(commitRef), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching rollout status: %w", err)
	}
	defer resp.Body.Close()

	// The bridge answers 404 until the controller has seen the commit.
	if resp.StatusCode == http.StatusNotFound {
		return RolloutUnknown, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching rollout status: %s", errorBody(resp))
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding rollout status: %w", err)
	}
	return ParseRolloutStatus(out.Status)
}

func (c *HTTPDeliveryController) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func errorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return resp.Status
	}
	return resp.Status + ": " + msg
}
