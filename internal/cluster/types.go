package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// State is the derived lifecycle state of a node. It is never stored; it is
// computed from the node directory, its PID record, the process table and
// the health endpoint.
type State string

const (
	StateUnprovisioned State = "unprovisioned" // No node directory
	StateStopped       State = "stopped"       // Directory but no PID record
	StateRunning       State = "running"       // Process alive and healthy
	StateZombie        State = "zombie"        // PID record but no live process
	StateUnresponsive  State = "unresponsive"  // Process alive, health probe fails
	StateUnknown       State = "unknown"       // State files unreadable
)

// Node is one row of the status view.
type Node struct {
	ID    int    `json:"id"`
	Dir   string `json:"dir"`
	State State  `json:"state"`
	Port  int    `json:"port,omitempty"`
	PID   int    `json:"pid,omitempty"`
	Error string `json:"error,omitempty"`
}

// Addr returns the node's local address, or "" if it has no port.
func (n Node) Addr() string {
	if n.Port == 0 {
		return ""
	}
	return "localhost:" + strconv.Itoa(n.Port)
}

// RestartResponse is the body returned by a remote restart request.
type RestartResponse struct {
	NodeID int    `json:"node_id"`
	PID    int    `json:"pid,omitempty"`
	Error  string `json:"error,omitempty"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as JSON to url and decodes the response into out
// (skipped when out is nil). Non-2xx responses are errors.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RemoteStatus reads the status view from a running `fleet monitor` API.
//
// Example:
//
//	nodes, err := cluster.RemoteStatus(ctx, "http://127.0.0.1:8069")
func RemoteStatus(ctx context.Context, baseURL string) ([]Node, error) {
	var nodes []Node
	if err := GetJSON(ctx, strings.TrimRight(baseURL, "/")+"/nodes", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// RemoteRestart asks a running monitor to restart one node.
func RemoteRestart(ctx context.Context, baseURL string, id int) (RestartResponse, error) {
	var out RestartResponse
	url := fmt.Sprintf("%s/nodes/%d/restart", strings.TrimRight(baseURL, "/"), id)
	err := PostJSON(ctx, url, struct{}{}, &out)
	return out, err
}
