package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rustyeddy/termfleet/internal/httpx"
)

// client calls the operator API of a running orchestrator.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// apiError is an error response from the orchestrator.
type apiError struct {
	Status int
	httpx.ErrorBody
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.ErrorBody.Error, e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		e := &apiError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, &e.ErrorBody); err != nil || e.ErrorBody.Error == "" {
			e.ErrorBody = httpx.ErrorBody{Error: "http", Message: strings.TrimSpace(string(data))}
		}
		return e
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
