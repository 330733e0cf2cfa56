package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// ErrRenderFailed is returned when Gotenberg rejects a conversion.
var ErrRenderFailed = errors.New("report: render failed")

// PageOptions controls the paper layout of rendered statements.
type PageOptions struct {
	PaperWidth   string
	PaperHeight  string
	MarginTop    string
	MarginBottom string
	Landscape    bool
}

// A4 is the layout used for bank statements.
var A4 = PageOptions{PaperWidth: "8.27", PaperHeight: "11.7", MarginTop: "0.4", MarginBottom: "0.4"}

// Client talks to a Gotenberg instance over its form API.
type Client struct {
	baseURL    string
	page       PageOptions
	httpClient *http.Client
}

// NewClient renders A4 pages by default. A trailing slash in baseURL is ignored.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		page:    A4,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithPage returns a copy of the client using a different layout.
func (c *Client) WithPage(page PageOptions) *Client {
	cp := *c
	cp.page = page
	return &cp
}

// Ping calls the Gotenberg health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// RenderHTML converts a single HTML document into a PDF using the client's
// page layout. Rejected conversions wrap ErrRenderFailed.
func (c *Client) RenderHTML(ctx context.Context, html string) ([]byte, error) {
	form, contentType, err := c.page.form(html)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/forms/chromium/convert/html", form)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.send(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// send performs req and turns error statuses into errors. The caller closes
// the body of a successful response.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("gotenberg %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return resp, nil
}

// form builds the multipart body: index.html followed by the layout fields.
func (p PageOptions) form(html string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", "index.html")
	if err != nil {
		return nil, "", err
	}
	if _, err := io.WriteString(part, html); err != nil {
		return nil, "", err
	}
	for name, value := range p.fields() {
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (p PageOptions) fields() map[string]string {
	out := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("paperWidth", p.PaperWidth)
	set("paperHeight", p.PaperHeight)
	set("marginTop", p.MarginTop)
	set("marginBottom", p.MarginBottom)
	if p.Landscape {
		out["landscape"] = "true"
	}
	return out
}
