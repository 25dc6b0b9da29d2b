package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/contavoto/fieldsync/internal/schema"
)

// HTTPConfig configures an HTTP store.
type HTTPConfig struct {
	// BaseURL of the remote API, e.g. "https://sync.example.org"
	BaseURL string
	// Token is sent as a bearer token when non-empty
	Token string
	// Timeout bounds each request (default 30s)
	Timeout time.Duration
	// Client overrides the HTTP client (the token is then not applied)
	Client *http.Client
}

// HTTP is a Store that talks to the REST API served by the server package.
type HTTP struct {
	base   *url.URL
	client *http.Client
}

// NewHTTP creates an HTTP store.
func NewHTTP(config HTTPConfig) (*HTTP, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", config.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", config.BaseURL)
	}

	client := config.Client
	if client == nil {
		if config.Token != "" {
			src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Token, TokenType: "Bearer"})
			client = oauth2.NewClient(context.Background(), src)
		} else {
			client = &http.Client{}
		}
		client.Timeout = config.Timeout
		if client.Timeout == 0 {
			client.Timeout = 30 * time.Second
		}
	}

	return &HTTP{base: base, client: client}, nil
}

type idResponse struct {
	ID string `json:"id"`
}

type urlResponse struct {
	URL string `json:"url"`
}

// Insert POSTs fields to /v1/{kind}.
func (h *HTTP) Insert(ctx context.Context, kind schema.Kind, fields map[string]any) (string, error) {
	var out idResponse
	if err := h.doJSON(ctx, OpInsert, kind, "", http.MethodPost, h.path("v1", string(kind)), fields, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &Error{Op: OpInsert, Kind: kind, Err: fmt.Errorf("%w: response carried no id", ErrTransient)}
	}
	return out.ID, nil
}

// Update PATCHes fields onto /v1/{kind}/{id}.
func (h *HTTP) Update(ctx context.Context, kind schema.Kind, id string, fields map[string]any) error {
	return h.doJSON(ctx, OpUpdate, kind, id, http.MethodPatch, h.path("v1", string(kind), id), fields, nil)
}

// Delete DELETEs /v1/{kind}/{id}.
func (h *HTTP) Delete(ctx context.Context, kind schema.Kind, id string) error {
	return h.doJSON(ctx, OpDelete, kind, id, http.MethodDelete, h.path("v1", string(kind), id), nil, nil)
}

// UploadBlob PUTs the raw payload to /v1/blobs/{bucket}/{name}.
func (h *HTTP) UploadBlob(ctx context.Context, bucket, name string, payload []byte, contentType string) (string, error) {
	segments := append([]string{"v1", "blobs", bucket}, strings.Split(name, "/")...)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.path(segments...), bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Op: OpUpload, ID: bucket + "/" + name, Err: err}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	var out urlResponse
	if err := h.do(req, OpUpload, "", bucket+"/"+name, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// Ping checks /healthz.
func (h *HTTP) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.path("healthz"), nil)
	if err != nil {
		return err
	}
	return h.do(req, "ping", "", "", nil)
}

func (h *HTTP) path(segments ...string) string {
	u := *h.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	u.RawPath = ""
	return u.String()
}

func (h *HTTP) doJSON(ctx context.Context, op Op, kind schema.Kind, id, method, target string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Kind: kind, ID: id, Err: fmt.Errorf("%w: %v", ErrRejected, err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &Error{Op: op, Kind: kind, ID: id, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return h.do(req, op, kind, id, out)
}

func (h *HTTP) do(req *http.Request, op Op, kind schema.Kind, id string, out any) error {
	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return &Error{Op: op, Kind: kind, ID: id, Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
		}
		return transient(op, kind, id, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return &Error{Op: op, Kind: kind, ID: id, Err: err}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transient(op, kind, id, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(msg))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, detail)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, detail)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
