package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// HTTP asks a tracker for candidates. The response body is either a JSON array of
// "host[:port]" strings or an object with a "servers" array.
type HTTP struct {
	URL         string
	Client      *http.Client
	DefaultPort int
}

type serverList struct {
	Servers []string `json:"servers"`
}

func (h HTTP) Candidates(ctx context.Context) ([]string, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: %s: %w", h.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: %s: status %d", h.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("discovery: %s: %w", h.URL, err)
	}
	var list []string
	if err := json.Unmarshal(body, &list); err != nil {
		var obj serverList
		if err2 := json.Unmarshal(body, &obj); err2 != nil {
			return nil, fmt.Errorf("discovery: %s: decode: %w", h.URL, err)
		}
		list = obj.Servers
	}
	port := h.DefaultPort
	if port == 0 {
		port = DefaultPort
	}
	return normalizeAll(list, port), nil
}
