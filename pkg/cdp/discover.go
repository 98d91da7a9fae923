package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// TargetDescriptor is the unified shape spec.md §3 calls "TargetDescriptor":
// what both the HTTP /json listing and a Target.targetCreated/
// targetInfoChanged event tell us about one page.
type TargetDescriptor struct {
	TargetID             string
	Type                 string
	Title                string
	URL                  string
	Attached             bool
	WebSocketDebuggerURL string
}

// TargetNotification is published by the Local Engine on every
// Target.targetCreated/targetInfoChanged event so the Remote Engine can
// decide, independently, whether the same target needs remote-side
// patching (spec.md §4.4 "Handoff to Remote Engine").
type TargetNotification struct {
	TargetID string
	URL      string
	Attached bool
}

// httpTarget mirrors one entry of the /json HTTP discovery endpoint.
type httpTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discover lists every target currently known to the debugger endpoint at
// base (e.g. "http://127.0.0.1:9222") via its /json HTTP listing.
func Discover(ctx context.Context, httpClient *http.Client, base string) ([]TargetDescriptor, error) {
	var raw []httpTarget
	if err := getJSON(ctx, httpClient, base+"/json", &raw); err != nil {
		return nil, fmt.Errorf("cdp: discover targets: %w", err)
	}
	out := make([]TargetDescriptor, 0, len(raw))
	for _, t := range raw {
		out = append(out, TargetDescriptor{
			TargetID:             t.ID,
			Type:                 t.Type,
			Title:                t.Title,
			URL:                  t.URL,
			WebSocketDebuggerURL: t.WebSocketDebuggerURL,
		})
	}
	return out, nil
}

// DiscoverBrowserEndpoint resolves the browser-wide debugger WebSocket URL
// via /json/version, the endpoint the Local Engine's single long-lived
// connection dials (spec.md §4.4).
func DiscoverBrowserEndpoint(ctx context.Context, httpClient *http.Client, base string) (string, error) {
	var v versionInfo
	if err := getJSON(ctx, httpClient, base+"/json/version", &v); err != nil {
		return "", fmt.Errorf("cdp: discover browser endpoint: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("cdp: %s/json/version returned no webSocketDebuggerUrl", base)
	}
	return v.WebSocketDebuggerURL, nil
}

func getJSON(ctx context.Context, httpClient *http.Client, url string, v any) error {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
