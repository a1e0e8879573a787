package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/storage"
)

// HTTPTimeout bounds a single request to a drive API.
const HTTPTimeout = 60 * time.Second

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// Request is one call to a drive REST API.
type Request struct {
	Method string
	URL    string
	// Header entries are added to the request.
	Header http.Header
	// Body is sent as is; JSON is marshalled when set and Body is nil.
	Body io.Reader
	JSON any
}

// Client issues drive API requests and maps failures to *storage.AdapterError.
type Client struct {
	Backend model.StorageKind
	HTTP    *http.Client
}

// Do sends req and returns the response body. op names the operation in
// errors. Any status outside 2xx is an error.
func (c *Client) Do(ctx context.Context, op string, req Request) ([]byte, error) {
	body := req.Body
	if body == nil && req.JSON != nil {
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", op, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.JSON != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", storage.ErrCancelled, ctxErr)
		}
		return nil, &storage.AdapterError{Backend: c.Backend, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &storage.AdapterError{Backend: c.Backend, Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &storage.AdapterError{Backend: c.Backend, Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	return data, nil
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var adapter *storage.AdapterError
	if errors.As(err, &adapter) {
		return adapter.Status
	}
	return 0
}

// DoJSON sends req and decodes the response body into out.
func (c *Client) DoJSON(ctx context.Context, op string, req Request, out any) error {
	data, err := c.Do(ctx, op, req)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &storage.AdapterError{Backend: c.Backend, Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}
