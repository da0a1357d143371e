package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const actorHeader = "X-Actor-ID"

// apiError mirrors the server's error envelope.
type apiError struct {
	Status int
	Body   struct {
		Code     string            `json:"code"`
		Message  string            `json:"message"`
		Metadata map[string]string `json:"metadata,omitempty"`
	} `json:"error"`
}

func (e *apiError) Error() string {
	if e.Body.Code == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Body.Code, e.Body.Message, e.Status)
}

type client struct {
	opts *options
	http *http.Client
}

func newClient(opts *options) *client {
	return &client{opts: opts, http: &http.Client{Timeout: opts.timeout}}
}

// do sends body as JSON and decodes the response into a generic value.
// Governance rejections (422) carry a normal result body and are returned
// without error.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body any) (any, error) {
	u := strings.TrimRight(c.opts.server, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.actor != "" {
		req.Header.Set(actorHeader, c.opts.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnprocessableEntity {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}

	var out any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return out, nil
}

// call runs a request and prints the result in the selected format.
func (c *client) call(cmd *cobra.Command, method, path string, query url.Values, body any) error {
	out, err := c.do(cmd.Context(), method, path, query, body)
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), c.opts.output, out)
}

func render(w io.Writer, format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func projectPath(id string, parts ...string) string {
	p := "/api/v1/projects/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func scopePath(id string, parts ...string) string {
	p := "/api/v1/scopes/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}
