package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"
)

// APIClient talks to a running bedrockd daemon over its HTTP API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

func (c *APIClient) post(path, name string, body any) error {
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	resp, err := c.client.Post(c.baseURL+path+"?name="+url.QueryEscape(name), "application/json", rd)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeError(resp)
}

func (c *APIClient) Start(name string) error   { return c.post("/start", name, nil) }
func (c *APIClient) Stop(name string) error    { return c.post("/stop", name, nil) }
func (c *APIClient) Restart(name string) error { return c.post("/restart", name, nil) }

func (c *APIClient) Command(name, line string) error {
	return c.post("/command", name, map[string]string{"command": line})
}

// Status fetches status for one server, or all servers when name is empty.
func (c *APIClient) Status(name string) (any, error) {
	u := c.baseURL + "/status"
	if name != "" {
		u += "?name=" + url.QueryEscape(name)
	}
	return c.getJSON(u)
}

func (c *APIClient) Stats(name string) (any, error) {
	return c.getJSON(c.baseURL + "/stats?name=" + url.QueryEscape(name))
}

func (c *APIClient) getJSON(u string) (any, error) {
	resp, err := c.client.Get(u)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := decodeError(resp); err != nil {
		return nil, err
	}
	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

func decodeError(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return fmt.Errorf("API error: status %d", resp.StatusCode)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
