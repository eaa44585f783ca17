// Package httpcatalog talks to a catalog server over HTTP.
//
//	GET /api/v1/catalog?folder=<folder>          -> {"files": [...]}
//	GET /api/v1/content?path=<path>&revision=<n> -> raw file content
//	GET /api/v1/users/<id>                       -> {"id", "name", "email"}
package httpcatalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/scmmirror/internal/catalog"
	"github.com/openmined/scmmirror/internal/utils"
	"github.com/openmined/scmmirror/internal/version"
)

const (
	catalogPath = "/api/v1/catalog"
	contentPath = "/api/v1/content"
	userPath    = "/api/v1/users/{id}"

	defaultTimeout = 60 * time.Second
	defaultRetries = 3
)

type Config struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	// Folder narrows the catalog to a sub-tree of the repository.
	Folder  string        `mapstructure:"folder"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Retries is the retry count for failed requests. Negative disables retries.
	Retries int `mapstructure:"retries"`
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrNoBaseURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("http catalog: invalid base url %q", c.BaseURL)
	}
	return nil
}

type fileDTO struct {
	Path      string    `json:"path"`
	Revision  int       `json:"revision"`
	ModTime   time.Time `json:"modTime"`
	Hash      string    `json:"hash,omitempty"`
	Size      int64     `json:"size"`
	Actor     string    `json:"actor,omitempty"`
	Message   string    `json:"message,omitempty"`
	ChangedAt time.Time `json:"changedAt,omitempty"`
}

type catalogResponse struct {
	Files []fileDTO `json:"files"`
}

type userResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Catalog struct {
	client *req.Client
	folder string
	closed bool
}

func New(cfg *Config) (*Catalog, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = defaultRetries
	} else if retries < 0 {
		retries = 0
	}

	client := req.C().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetCommonRetryCount(retries).
		SetCommonRetryFixedInterval(500*time.Millisecond).
		SetUserAgent(version.UserAgent()).
		SetCommonErrorResult(&APIError{}).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	if cfg.Token != "" {
		client.SetCommonBearerAuthToken(cfg.Token)
	}

	slog.Info("http catalog", "url", cfg.BaseURL, "folder", cfg.Folder, "token", utils.MaskSecret(cfg.Token))
	return &Catalog{client: client, folder: cfg.Folder}, nil
}

func Opener(cfg *Config) catalog.Opener {
	return func(ctx context.Context) (catalog.Catalog, error) {
		return New(cfg)
	}
}

func (c *Catalog) ListFiles(ctx context.Context) ([]*catalog.RemoteFileRecord, error) {
	if c.closed {
		return nil, catalog.ErrClosed
	}

	var result catalogResponse
	request := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&result)
	if c.folder != "" {
		request.SetQueryParam("folder", c.folder)
	}

	resp, err := request.Get(catalogPath)
	if err := handleAPIError(resp, err, "list catalog"); err != nil {
		return nil, err
	}

	records := make([]*catalog.RemoteFileRecord, 0, len(result.Files))
	for _, f := range result.Files {
		if f.Path == "" {
			slog.Warn("http catalog entry without path skipped", "revision", f.Revision)
			continue
		}
		records = append(records, &catalog.RemoteFileRecord{
			Path:      utils.NormPath(f.Path),
			Revision:  f.Revision,
			ModTime:   f.ModTime,
			Hash:      f.Hash,
			Size:      f.Size,
			Actor:     f.Actor,
			Message:   f.Message,
			ChangedAt: f.ChangedAt,
		})
	}
	return records, nil
}

func (c *Catalog) Fetch(ctx context.Context, records []*catalog.RemoteFileRecord, opts catalog.FetchOptions) (catalog.Transfer, error) {
	if c.closed {
		return nil, catalog.ErrClosed
	}
	return catalog.Stage(ctx, records, opts, c.download)
}

func (c *Catalog) download(ctx context.Context, rec *catalog.RemoteFileRecord, dst string) (int64, error) {
	resp, err := c.client.R().
		DisableAutoReadResponse().
		SetContext(ctx).
		SetQueryParam("path", rec.Path).
		SetQueryParam("revision", strconv.Itoa(rec.Revision)).
		SetOutputFile(dst).
		Get(contentPath)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", rec.Path, err)
	}

	if resp.IsErrorState() {
		// with SetOutputFile the error body lands in dst
		body, _ := os.ReadFile(dst)
		if resp.GetStatusCode() == 404 {
			return 0, fmt.Errorf("download %s: %w", rec.Path, ErrNotFound)
		}
		return 0, fmt.Errorf("download %s: status %d: %s", rec.Path, resp.GetStatusCode(), truncate(string(body), 200))
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ResolveActor returns the local part of the user's email, or the display name when the
// server has no email on record.
func (c *Catalog) ResolveActor(ctx context.Context, id string) (string, error) {
	var user userResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetSuccessResult(&user).
		Get(userPath)
	if err := handleAPIError(resp, err, "resolve user "+id); err != nil {
		return "", err
	}

	switch {
	case user.Email != "":
		return utils.EmailLocalPart(user.Email), nil
	case user.Name != "":
		return user.Name, nil
	default:
		return id, nil
	}
}

func (c *Catalog) Close() error {
	c.closed = true
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	_ catalog.Catalog       = (*Catalog)(nil)
	_ catalog.ActorResolver = (*Catalog)(nil)
)
