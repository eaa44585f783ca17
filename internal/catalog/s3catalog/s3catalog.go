// Package s3catalog mirrors a prefix of a versioned S3 bucket.
//
// Each key's live object versions are counted from oldest to newest and the count is the
// file's revision. Deleting the newest version of a key therefore lowers its revision, which
// reconciliation reports as a rollback. A key whose newest entry is a delete marker is absent.
package s3catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/openmined/scmmirror/internal/catalog"
	"github.com/openmined/scmmirror/internal/utils"
)

// S3API is the subset of the S3 client used by the catalog.
type S3API interface {
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("s3: access key and secret key must be set together")
	}
	return nil
}

type Catalog struct {
	client S3API
	bucket string
	prefix string
	closed bool
}

// New wraps an existing client. Prefix is normalized to end with a slash.
func New(client S3API, bucket, prefix string) *Catalog {
	prefix = strings.TrimLeft(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Catalog{client: client, bucket: bucket, prefix: prefix}
}

// NewFromConfig builds an AWS client from cfg. Static credentials are used when provided,
// otherwise the default credential chain applies.
func NewFromConfig(ctx context.Context, cfg *Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	slog.Info("s3 catalog", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "region", cfg.Region, "endpoint", cfg.Endpoint, "accessKey", utils.MaskSecret(cfg.AccessKey))
	return New(client, cfg.Bucket, cfg.Prefix), nil
}

// Opener returns a catalog.Opener that builds a fresh client per session.
func Opener(cfg *Config) catalog.Opener {
	return func(ctx context.Context) (catalog.Catalog, error) {
		return NewFromConfig(ctx, cfg)
	}
}

type keyVersion struct {
	versionID    string
	lastModified time.Time
	etag         string
	size         int64
	owner        string
	deleteMarker bool
}

func (c *Catalog) ListFiles(ctx context.Context) ([]*catalog.RemoteFileRecord, error) {
	if c.closed {
		return nil, catalog.ErrClosed
	}

	history := make(map[string][]keyVersion)
	input := &s3.ListObjectVersionsInput{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix),
	}

	for {
		page, err := c.client.ListObjectVersions(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("s3: list object versions: %w", err)
		}

		for _, v := range page.Versions {
			key := aws.ToString(v.Key)
			history[key] = append(history[key], keyVersion{
				versionID:    aws.ToString(v.VersionId),
				lastModified: aws.ToTime(v.LastModified),
				etag:         strings.ReplaceAll(aws.ToString(v.ETag), "\"", ""),
				size:         aws.ToInt64(v.Size),
				owner:        ownerName(v.Owner),
			})
		}
		for _, m := range page.DeleteMarkers {
			key := aws.ToString(m.Key)
			history[key] = append(history[key], keyVersion{
				versionID:    aws.ToString(m.VersionId),
				lastModified: aws.ToTime(m.LastModified),
				deleteMarker: true,
			})
		}

		if !aws.ToBool(page.IsTruncated) {
			break
		}
		input.KeyMarker = page.NextKeyMarker
		input.VersionIdMarker = page.NextVersionIdMarker
	}

	records := make([]*catalog.RemoteFileRecord, 0, len(history))
	for key, versions := range history {
		rec := c.toRecord(key, versions)
		if rec != nil {
			records = append(records, rec)
		}
	}
	slices.SortFunc(records, func(a, b *catalog.RemoteFileRecord) int { return strings.Compare(a.Path, b.Path) })

	slog.Debug("s3 catalog listed", "bucket", c.bucket, "prefix", c.prefix, "files", len(records))
	return records, nil
}

func (c *Catalog) toRecord(key string, versions []keyVersion) *catalog.RemoteFileRecord {
	if strings.HasSuffix(key, "/") {
		return nil
	}
	relPath := utils.NormPath(strings.TrimPrefix(key, c.prefix))
	if relPath == "." || relPath == "" {
		return nil
	}

	slices.SortStableFunc(versions, func(a, b keyVersion) int { return a.lastModified.Compare(b.lastModified) })
	latest := versions[len(versions)-1]
	if latest.deleteMarker {
		return nil
	}

	revision := 0
	for _, v := range versions {
		if !v.deleteMarker {
			revision++
		}
	}

	hash := latest.etag
	if strings.Contains(hash, "-") {
		// multipart etags are not content digests
		hash = ""
	}

	return &catalog.RemoteFileRecord{
		Path:      relPath,
		Revision:  revision,
		ModTime:   latest.lastModified,
		Hash:      hash,
		Size:      latest.size,
		Actor:     latest.owner,
		ChangedAt: latest.lastModified,
		VersionID: latest.versionID,
	}
}

func (c *Catalog) Fetch(ctx context.Context, records []*catalog.RemoteFileRecord, opts catalog.FetchOptions) (catalog.Transfer, error) {
	if c.closed {
		return nil, catalog.ErrClosed
	}
	return catalog.Stage(ctx, records, opts, c.download)
}

func (c *Catalog) download(ctx context.Context, rec *catalog.RemoteFileRecord, dst string) (int64, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + rec.Path),
	}
	if rec.VersionID != "" && rec.VersionID != "null" {
		input.VersionId = aws.String(rec.VersionID)
	}

	resp, err := c.client.GetObject(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("s3: get object %s: %w", rec.Path, err)
	}
	defer resp.Body.Close()

	file, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(file, resp.Body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("s3: read object %s: %w", rec.Path, err)
	}
	return n, nil
}

func (c *Catalog) Close() error {
	c.closed = true
	return nil
}

func ownerName(owner *types.Owner) string {
	if owner == nil {
		return ""
	}
	if name := aws.ToString(owner.DisplayName); name != "" {
		return name
	}
	return aws.ToString(owner.ID)
}

var _ catalog.Catalog = (*Catalog)(nil)
