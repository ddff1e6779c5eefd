package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

type putRequest struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	ClientID string `json:"client_id"`
	Seq      uint64 `json:"seq"`
}

type deleteRequest struct {
	Key      string `json:"key"`
	ClientID string `json:"client_id"`
	Seq      uint64 `json:"seq"`
}

type kvResponse struct {
	OK    bool   `json:"ok"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

type errorResponse struct {
	Error      string `json:"error"`
	NotLeader  bool   `json:"not_leader,omitempty"`
	LeaderHint string `json:"leader_hint,omitempty"`
}

type statusResponse struct {
	IsLeader bool   `json:"is_leader"`
	Term     uint64 `json:"term"`
}

// newClientID mints a fresh client identity for one warrenctl invocation.
// Each invocation is its own idempotent client: a CLI user retrying a
// failed command re-runs warrenctl, which is a new process and therefore a
// new (clientId, seq=1) pair, so retries are safe but not deduplicated
// across separate invocations of the same logical request.
func newClientID() string {
	return uuid.NewString()
}

func postJSON(path string, body interface{}, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := httpClient.Post(fmt.Sprintf("http://%s%s", addr, path), "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.NotLeader {
			return fmt.Errorf("not the leader; retry against %s", e.LeaderHint)
		}
		return fmt.Errorf("%s failed: %s", path, e.Error)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(path string, query url.Values, out interface{}) error {
	u := fmt.Sprintf("http://%s%s", addr, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	resp, err := httpClient.Get(u)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.NotLeader {
			return fmt.Errorf("not the leader; retry against %s", e.LeaderHint)
		}
		return fmt.Errorf("%s failed: %s", path, e.Error)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
