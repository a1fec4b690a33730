package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// AvailabilityZoneProp is the system property nodes use to announce their zone.
const AvailabilityZoneProp = "availability_zone"

type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// NodeStatus is what a node reports from GET /health. The overseer turns
// it into placement attributes.
type NodeStatus struct {
	NodeID        string            `json:"node_id"`
	Cores         int               `json:"cores"`
	FreeDiskBytes uint64            `json:"free_disk_bytes"`
	Sysprops      map[string]string `json:"sysprops,omitempty"`
}

// RegisterRequest announces a node to the overseer. Status, when present,
// lets the node receive replicas before its first health check.
type RegisterRequest struct {
	Node   NodeInfo    `json:"node"`
	Status *NodeStatus `json:"status,omitempty"`
}

// StatusError is returned by PostJSON and GetJSON for non-2xx replies.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Body)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request")
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
		return statusError(url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

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
		return statusError(url, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(url string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{URL: url, Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}
