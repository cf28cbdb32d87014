// Package filesapi talks to an OpenAI-style files endpoint: multipart
// POST /files with a purpose field, DELETE /files/{id}, bearer API key.
// Several AI providers expose this shape, so each configured instance is a
// separate provider.
package filesapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/uploadgate/internal/providers"
)

// maxErrorBody bounds how much of an error response is kept in the error.
const maxErrorBody = 4 << 10

type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Limits  providers.Limits
	// HTTPClient defaults to a client without an overall timeout; per-call
	// deadlines come from the context.
	HTTPClient *http.Client
}

type Provider struct {
	name    string
	baseURL string
	apiKey  string
	limits  providers.Limits
	client  *http.Client
}

func New(cfg Config) (*Provider, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: invalid base url %q", cfg.Name, cfg.BaseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	return &Provider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limits:  cfg.Limits,
		client:  client,
	}, nil
}

func (p *Provider) Name() string              { return p.name }
func (p *Provider) Limits() providers.Limits { return p.limits }

type fileObject struct {
	ID string `json:"id"`
}

func (p *Provider) Upload(ctx context.Context, u providers.Upload) (string, error) {
	if err := providers.CheckLimits(p.name, p.limits, u); err != nil {
		return "", err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(writeMultipart(mw, u))
	}()
	// The writer must stop reading u.Body before the caller rewinds it.
	defer func() {
		pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/files", pr)
	if err != nil {
		return "", fmt.Errorf("%s upload: %w", p.name, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out fileObject
	if err := p.do(req, "upload", &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &providers.StatusError{Provider: p.name, Op: "upload", Code: http.StatusBadGateway,
			Err: fmt.Errorf("response without file id")}
	}
	return out.ID, nil
}

func writeMultipart(mw *multipart.Writer, u providers.Upload) error {
	if err := mw.WriteField("purpose", u.Purpose); err != nil {
		return err
	}
	name := u.Name
	if name == "" {
		name = "file"
	}
	mimeType := u.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, u.Body); err != nil {
		return err
	}
	return mw.Close()
}

func (p *Provider) Delete(ctx context.Context, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/files/"+url.PathEscape(fileID), nil)
	if err != nil {
		return fmt.Errorf("%s delete: %w", p.name, err)
	}
	return p.do(req, "delete", nil)
}

// HealthCheck lists at most one file, which needs a valid key and a live
// service but no upload.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/files?limit=1", nil)
	if err != nil {
		return fmt.Errorf("%s health: %w", p.name, err)
	}
	return p.do(req, "health", nil)
}

func (p *Provider) do(req *http.Request, op string, out any) error {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", p.name, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &providers.StatusError{Provider: p.name, Op: op, Code: resp.StatusCode, Err: apiError(body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &providers.StatusError{Provider: p.name, Op: op, Code: http.StatusBadGateway,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
	Message string `json:"message"`
}

// apiError extracts the message of a JSON error body, falling back to the
// raw text.
func apiError(body []byte) error {
	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil {
		switch {
		case env.Error.Message != "":
			return fmt.Errorf("%s", env.Error.Message)
		case env.Message != "":
			return fmt.Errorf("%s", env.Message)
		}
	}
	return fmt.Errorf("%s", strings.TrimSpace(string(body)))
}
