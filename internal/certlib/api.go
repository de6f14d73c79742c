package certlib

/*
ctingest — load Certificate Transparency logs into analytical stores
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/x-stp/ctingest/internal/client"
)

// ErrNoEntries is returned when get-entries answers 200 with an empty or missing entries array.
var ErrNoEntries = errors.New("no entries in response")

// UserAgent is sent on every request to a CT log.
var UserAgent = "ctingest (+https://github.com/x-stp/ctingest)"

// HTTPError is returned when a log answers with a status other than 200 OK.
type HTTPError struct {
	Status     string
	StatusCode int
	URL        string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %q: %s (%q)", e.URL, e.Status, bytes.TrimSpace(e.Body))
}

// SignedTreeHead represents the JSON structure from the get-sth endpoint.
type SignedTreeHead struct {
	TreeSize          uint64 `json:"tree_size"`
	Timestamp         int64  `json:"timestamp"`
	SHA256RootHash    string `json:"sha256_root_hash"`
	TreeHeadSignature string `json:"tree_head_signature"`
}

// EntriesResponse represents the JSON structure from the get-entries endpoint.
type EntriesResponse struct {
	Entries []struct {
		LeafInput string `json:"leaf_input"`
		ExtraData string `json:"extra_data"`
	} `json:"entries"`
}

// LogClient talks to one CT log over the RFC 6962 HTTP API.
// Each call is a single attempt; retry policy belongs to the caller.
type LogClient struct {
	baseURL    string
	httpClient *http.Client
}

// NormalizeLogURL returns the log base URL with a scheme and exactly one trailing slash.
// Bare host paths as found in log lists are assumed to be https.
func NormalizeLogURL(raw string) string {
	u := strings.TrimSpace(raw)
	if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/") + "/"
}

// NewLogClient creates a client for the log at logURL. A nil httpClient selects the shared client.
func NewLogClient(logURL string, httpClient *http.Client) *LogClient {
	if httpClient == nil {
		httpClient = client.GetHTTPClient()
	}
	return &LogClient{
		baseURL:    NormalizeLogURL(logURL),
		httpClient: httpClient,
	}
}

// URL returns the normalized log base URL.
func (c *LogClient) URL() string {
	return c.baseURL
}

func (c *LogClient) getJSON(ctx context.Context, fullURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{
			Status:     resp.Status,
			StatusCode: resp.StatusCode,
			URL:        fullURL,
			Body:       body,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("GET %q: error reading response: %w", fullURL, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %q: error parsing response JSON: %w", fullURL, err)
	}
	return nil
}

// GetSTH fetches the current signed tree head.
func (c *LogClient) GetSTH(ctx context.Context) (*SignedTreeHead, error) {
	var sth SignedTreeHead
	if err := c.getJSON(ctx, c.baseURL+"ct/v1/get-sth", &sth); err != nil {
		return nil, err
	}
	return &sth, nil
}

// GetEntries fetches entries of the half-open range [start, end). The request carries the
// inclusive end the protocol expects. Logs may answer with fewer entries than asked; extra
// entries beyond the range are ignored.
func (c *LogClient) GetEntries(ctx context.Context, start, end uint64) ([]RawEntry, error) {
	if end <= start {
		return nil, fmt.Errorf("invalid range [%d, %d)", start, end)
	}
	fullURL := fmt.Sprintf("%sct/v1/get-entries?start=%d&end=%d", c.baseURL, start, end-1)

	var resp EntriesResponse
	if err := c.getJSON(ctx, fullURL, &resp); err != nil {
		return nil, err
	}
	if len(resp.Entries) == 0 {
		return nil, fmt.Errorf("GET %q: %w", fullURL, ErrNoEntries)
	}

	n := len(resp.Entries)
	if want := end - start; uint64(n) > want {
		n = int(want)
	}
	entries := make([]RawEntry, n)
	for i := 0; i < n; i++ {
		entries[i] = RawEntry{
			Index:     start + uint64(i),
			LeafInput: resp.Entries[i].LeafInput,
			ExtraData: resp.Entries[i].ExtraData,
		}
	}
	return entries, nil
}
