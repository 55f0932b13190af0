package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tphummel/lab_boot/internal/models"
)

// Client is an HTTP client for the lab_boot REST API.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client targeting endpoint with Bearer token auth.
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// call sends the request and decodes a want-status JSON response into out,
// which may be nil.
func (c *Client) call(ctx context.Context, op, method, path string, body any, want int, out any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// Health returns the service health document.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	return out, c.call(ctx, "health", http.MethodGet, "/healthz", nil, http.StatusOK, &out)
}

// Discover posts a discovery report.
func (c *Client) Discover(ctx context.Context, report *models.DiscoveryReport) (*models.DiscoveryResult, error) {
	var out models.DiscoveryResult
	if err := c.call(ctx, "discover", http.MethodPost, "/discovery", report, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Schedule assigns roles to the machine booting from mac.
func (c *Client) Schedule(ctx context.Context, mac string, roles ...models.Role) error {
	req := models.ScheduleRequest{Selector: models.Selector{MAC: mac}, Roles: roles}
	return c.call(ctx, "schedule "+mac, http.MethodPost, "/scheduler", req, http.StatusOK, nil)
}

// Schedules returns the roles of every scheduled machine keyed by boot MAC.
func (c *Client) Schedules(ctx context.Context) (map[string][]models.Role, error) {
	var out map[string][]models.Role
	return out, c.call(ctx, "list schedules", http.MethodGet, "/scheduler", nil, http.StatusOK, &out)
}

// MachinesByRoles lists machines holding role, or exactly roles when
// several are given.
func (c *Client) MachinesByRoles(ctx context.Context, roles ...models.Role) ([]models.MachineWithRoles, error) {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, url.PathEscape(string(r)))
	}
	var out []models.MachineWithRoles
	return out, c.call(ctx, "machines by roles", http.MethodGet, "/scheduler/"+strings.Join(names, "&"), nil, http.StatusOK, &out)
}

// Available lists machines without a role.
func (c *Client) Available(ctx context.Context) ([]models.MachineSummary, error) {
	var out []models.MachineSummary
	return out, c.call(ctx, "available machines", http.MethodGet, "/scheduler/available", nil, http.StatusOK, &out)
}

// IPList returns the boot addresses of the machines holding role.
func (c *Client) IPList(ctx context.Context, role models.Role) ([]string, error) {
	var out []string
	return out, c.call(ctx, "ip list", http.MethodGet, "/scheduler/ip-list/"+url.PathEscape(string(role)), nil, http.StatusOK, &out)
}

// RolesByMAC returns the roles of the machine owning mac.
func (c *Client) RolesByMAC(ctx context.Context, mac string) ([]models.Role, error) {
	var out []models.Role
	return out, c.call(ctx, "roles by mac", http.MethodGet, "/scheduler/mac/"+url.PathEscape(mac), nil, http.StatusOK, &out)
}

// ReportState records a lifecycle state for mac.
func (c *Client) ReportState(ctx context.Context, mac string, state models.State) error {
	body := map[string]string{"mac": mac, "state": string(state)}
	return c.call(ctx, "report state", http.MethodPost, "/lifecycle/state", body, http.StatusNoContent, nil)
}

// States returns the lifecycle states updated in the last minutes.
func (c *Client) States(ctx context.Context, minutes int) ([]models.LifecycleState, error) {
	path := "/lifecycle/states"
	if minutes > 0 {
		path += "?minutes=" + strconv.Itoa(minutes)
	}
	var out []models.LifecycleState
	return out, c.call(ctx, "list states", http.MethodGet, path, nil, http.StatusOK, &out)
}
