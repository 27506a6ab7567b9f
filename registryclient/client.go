// Package registryclient is the HTTP client for the registry surface, shared
// by the DNS front-end (resolve) and the heartbeat client (register,
// heartbeat, deregister).
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"localmesh/domain"
	"localmesh/helpers"
	"localmesh/interfaces"
	"localmesh/service"
)

// HTTP creates an interfaces.RegistryClient that talks to the registry over
// HTTP. Panics on empty baseURL or nil client.
//
// baseURL is the registry base URL (e.g. http://127.0.0.1:3100), no trailing
// slash; client should carry a timeout (the mains use 3s).
func HTTP(baseURL string, client *http.Client) interfaces.RegistryClient {
	return &httpClient{
		baseURL: helpers.StrPanic(baseURL, "registryclient.client.go: baseURL is required"),
		client:  helpers.NilPanic(client, "registryclient.client.go: http client is required"),
	}
}

type httpClient struct {
	baseURL string
	client  *http.Client
}

// instanceResponse is the JSON envelope of register/heartbeat/deregister
// responses: { "instance": {...} }.
type instanceResponse struct {
	Instance domain.Instance `json:"instance"`
}

// resolveResponse is the JSON shape of GET /resolve/:name.
type resolveResponse struct {
	ServiceName   string            `json:"serviceName"`
	InstanceCount int               `json:"instanceCount"`
	Instances     []domain.Instance `json:"instances"`
}

type registerBody struct {
	Name     string         `json:"name"`
	IP       string         `json:"ip"`
	Port     int            `json:"port"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type heartbeatBody struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (c *httpClient) Register(ctx context.Context, name, ip string, port int, metadata map[string]any) (domain.Instance, error) {
	return c.postInstance(ctx, "/register", registerBody{Name: name, IP: ip, Port: port, Metadata: metadata}, http.StatusCreated)
}

func (c *httpClient) Heartbeat(ctx context.Context, name, ip string, port int) (domain.Instance, error) {
	return c.postInstance(ctx, "/heartbeat", heartbeatBody{Name: name, IP: ip, Port: port}, http.StatusOK)
}

// Resolve performs GET /resolve/:name. A 404 (no healthy instances) maps to
// an empty slice with no error; callers distinguish "known empty" from
// transport failure.
func (c *httpClient) Resolve(ctx context.Context, name string) ([]domain.Instance, error) {
	reqURL := c.baseURL + "/resolve/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, service.NewUpstreamUnavailableError("registry is unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return []domain.Instance{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, service.NewUpstreamUnavailableError(fmt.Sprintf("registry returned %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, service.NewUpstreamUnavailableError("registry response read failed", err)
	}
	var raw resolveResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, service.NewUpstreamUnavailableError("registry response parse failed", err)
	}
	if raw.Instances == nil {
		return nil, service.NewUpstreamUnavailableError("registry response missing instances field", nil)
	}
	return raw.Instances, nil
}

func (c *httpClient) Deregister(ctx context.Context, name, ip string, port int) (domain.Instance, error) {
	q := url.Values{}
	q.Set("ip", ip)
	q.Set("port", strconv.Itoa(port))
	reqURL := c.baseURL + "/services/" + url.PathEscape(name) + "/instances?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	return c.doInstance(req, http.StatusOK)
}

func (c *httpClient) postInstance(ctx context.Context, path string, body any, wantStatus int) (domain.Instance, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.Instance{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return domain.Instance{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doInstance(req, wantStatus)
}

func (c *httpClient) doInstance(req *http.Request, wantStatus int) (domain.Instance, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Instance{}, service.NewUpstreamUnavailableError("registry is unreachable", err)
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return domain.Instance{}, service.NewUpstreamUnavailableError("registry response read failed", readErr)
	}
	switch {
	case resp.StatusCode == wantStatus:
	case resp.StatusCode == http.StatusNotFound:
		return domain.Instance{}, service.NewEntityNotFoundError("registry does not know this instance", nil)
	case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError:
		return domain.Instance{}, service.NewValidationError(fmt.Sprintf("registry rejected the request: %s", string(body)), nil)
	default:
		return domain.Instance{}, service.NewUpstreamUnavailableError(fmt.Sprintf("registry returned %d", resp.StatusCode), nil)
	}
	var raw instanceResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Instance{}, service.NewUpstreamUnavailableError("registry response parse failed", err)
	}
	return raw.Instance, nil
}
