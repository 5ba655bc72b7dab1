// Package s3 implements a backend client over Amazon S3 or any
// S3-compatible object store (MinIO, Ceph RGW) using aws-sdk-go-v2.
//
// S3 has no directories; this package projects the usual key/delimiter
// convention onto the Client contract. A directory is a key prefix, Mkdir
// drops a zero-byte "prefix/" marker so empty directories survive a List,
// and Rename reports ErrRenameNotSupported so the engine falls back to
// copy+delete (CopyFile below keeps the copy half server-side).
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/patchpanel/remotefs/pkg/backend"
)

// Config holds the connection settings for one S3 location.
type Config struct {
	Region          string
	Bucket          string
	KeyPrefix       string
	Endpoint        string // custom endpoint for MinIO/Ceph; empty for AWS
	AccessKeyID     string
	SecretAccessKey string

	// PartSize is the multipart upload part size in bytes. Zero means 10MiB.
	PartSize int64
}

// Client implements backend.Client over one bucket+prefix.
type Client struct {
	s3       *awss3.Client
	bucket   string
	prefix   string
	partSize int64
}

const defaultPartSize = 10 << 20

// Dial builds the AWS client and verifies the bucket is reachable.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Path-style addressing for MinIO and friends.
			o.UsePathStyle = true
		}
	})

	partSize := cfg.PartSize
	if partSize == 0 {
		partSize = defaultPartSize
	}

	c := &Client{
		s3:       client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.KeyPrefix, "/"),
		partSize: partSize,
	}

	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("s3 bucket %q probe: %w", cfg.Bucket, err)
	}
	return c, nil
}

func (c *Client) key(p string) string {
	if c.prefix == "" {
		return p
	}
	if p == "" {
		return c.prefix
	}
	return c.prefix + "/" + p
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (c *Client) List(ctx context.Context, p string) ([]backend.FileEntry, error) {
	prefix := c.key(p)
	if prefix != "" {
		prefix += "/"
	}

	// A file at this exact key means the caller listed a non-directory.
	if p != "" {
		if _, err := c.head(ctx, c.key(p)); err == nil {
			return nil, backend.ErrNotDirectory
		}
	}

	var entries []backend.FileEntry
	seen := false

	paginator := awss3.NewListObjectsV2Paginator(c.s3, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		seen = seen || len(page.Contents) > 0 || len(page.CommonPrefixes) > 0

		for _, cp := range page.CommonPrefixes {
			name := path.Base(strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))
			child := name
			if p != "" {
				child = p + "/" + name
			}
			entries = append(entries, backend.FileEntry{
				Name:  name,
				Path:  child,
				IsDir: true,
				Mode:  fs.ModeDir | 0o755,
			})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix || strings.HasSuffix(key, "/") {
				// Directory marker objects are folded into CommonPrefixes.
				continue
			}
			name := path.Base(key)
			child := name
			if p != "" {
				child = p + "/" + name
			}
			entries = append(entries, backend.FileEntry{
				Name:    name,
				Path:    child,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
				Mode:    0o644,
			})
		}
	}

	if !seen && p != "" {
		return nil, backend.ErrNotFound
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (c *Client) head(ctx context.Context, key string) (*awss3.HeadObjectOutput, error) {
	return c.s3.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
}

func (c *Client) Stat(ctx context.Context, p string) (*backend.FileEntry, error) {
	if p == "" {
		return &backend.FileEntry{Name: "/", Path: "", IsDir: true, Mode: fs.ModeDir | 0o755}, nil
	}

	if out, err := c.head(ctx, c.key(p)); err == nil {
		return &backend.FileEntry{
			Name:    path.Base(p),
			Path:    p,
			Size:    aws.ToInt64(out.ContentLength),
			ModTime: aws.ToTime(out.LastModified),
			Mode:    0o644,
		}, nil
	}

	// Not an object; a non-empty prefix means it is a directory.
	prefix := c.key(p) + "/"
	out, err := c.s3.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Contents) == 0 {
		return nil, backend.ErrNotFound
	}
	return &backend.FileEntry{
		Name:  path.Base(p),
		Path:  p,
		IsDir: true,
		Mode:  fs.ModeDir | 0o755,
	}, nil
}

func (c *Client) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := c.s3.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			// Could still be a directory prefix.
			if st, statErr := c.Stat(ctx, p); statErr == nil && st.IsDir {
				return nil, backend.ErrIsDirectory
			}
			return nil, backend.ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

func (c *Client) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newMultipartWriter(ctx, c, c.key(p)), nil
}

func (c *Client) Remove(ctx context.Context, p string) error {
	// DeleteObject succeeds for missing keys, matching the idempotent
	// delete contract for free.
	_, err := c.s3.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p)),
	})
	if err != nil {
		return err
	}
	// Also drop a directory marker if one exists under this name.
	_, err = c.s3.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p) + "/"),
	})
	return err
}

func (c *Client) RemoveAll(ctx context.Context, p string) error {
	prefix := c.key(p)

	paginator := awss3.NewListObjectsV2Paginator(c.s3, &awss3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}

		var batch []types.ObjectIdentifier
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key != prefix && !strings.HasPrefix(key, prefix+"/") {
				continue
			}
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
		}
		if len(batch) == 0 {
			continue
		}
		if _, err := c.s3.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	return backend.ErrRenameNotSupported
}

// CopyFile copies server-side with CopyObject.
func (c *Client) CopyFile(ctx context.Context, srcPath, dstPath string) error {
	source := c.bucket + "/" + c.key(srcPath)
	_, err := c.s3.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(c.key(dstPath)),
		CopySource: aws.String(url.PathEscape(source)),
	})
	if isNoSuchKey(err) {
		return backend.ErrNotFound
	}
	return err
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	if p == "" {
		return nil
	}
	// Zero-byte marker object keeps empty directories listable.
	_, err := c.s3.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p) + "/"),
		Body:   strings.NewReader(""),
	})
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.s3.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(c.prefix),
		MaxKeys: aws.Int32(1),
	})
	return err
}

func (c *Client) Close() error { return nil }

func (c *Client) Type() backend.Type { return backend.TypeS3 }

// Dialer adapts Config to the backend.Dialer contract.
type Dialer struct {
	Config Config
}

func (d Dialer) Dial(ctx context.Context) (backend.Client, error) {
	return Dial(ctx, d.Config)
}

func (d Dialer) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "s3\x00%s\x00%s\x00%s\x00%s\x00%s\x00",
		d.Config.Region, d.Config.Bucket, d.Config.KeyPrefix, d.Config.Endpoint, d.Config.AccessKeyID)
	h.Write([]byte(d.Config.SecretAccessKey))
	return hex.EncodeToString(h.Sum(nil)[:8])
}
