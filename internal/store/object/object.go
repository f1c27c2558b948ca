// Package object provides the S3-compatible object store adapter used by
// every pipeline: streaming get/put, listing, deletion, and presigned
// result URLs. Keys are content-addressed under a configured prefix:
//
//	{prefix}/{kind}/{name}
//
// Kinds: "intermediate_collector", "array_store", "user_data", "dcas",
// "stations".
package object

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"agromet/internal/config"
	"agromet/internal/types"
)

// Artifact kinds addressed under the store prefix.
const (
	KindIntermediate = "intermediate_collector"
	KindArrayStore   = "array_store"
	KindUserData     = "user_data"
	KindDCAS         = "dcas"
	KindStations     = "stations"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the object store surface consumed by the pipelines. It is
// satisfied by *Client and by test fakes.
type Store interface {
	// Key builds the full object key for an artifact kind and name.
	Key(kind, name string) string
	// Get opens a streaming reader for the object at key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put streams body into the object at key. size may be -1 when unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	// PutFile uploads a local file to key.
	PutFile(ctx context.Context, key, localPath, contentType string) error
	// GetFile downloads the object at key to a local file.
	GetFile(ctx context.Context, key, localPath string) error
	// List returns all objects under the given key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Remove deletes the object at key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)
	// Presign returns a time-limited GET URL for the object at key.
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Client is the MinIO-backed Store implementation.
type Client struct {
	mc     *minio.Client
	bucket string
	prefix string
}

// NewClient connects to the configured S3-compatible endpoint.
func NewClient(cfg config.ObjectStoreConfig) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Unmask(), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalObjectStore, "failed to create object store client", err)
	}
	return &Client{mc: mc, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Key builds the full object key for an artifact kind and name.
func (c *Client) Key(kind, name string) string {
	return path.Join(c.prefix, kind, name)
}

// Get opens a streaming reader for the object at key.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, storeErr("get", key, err)
	}
	// GetObject is lazy; surface missing-object errors on open.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, storeErr("get", key, err)
	}
	return obj, nil
}

// Put streams body into the object at key.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return storeErr("put", key, err)
	}
	return nil
}

// PutFile uploads a local file to key.
func (c *Client) PutFile(ctx context.Context, key, localPath, contentType string) error {
	_, err := c.mc.FPutObject(ctx, c.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return storeErr("put", key, err)
	}
	return nil
}

// GetFile downloads the object at key to a local file.
func (c *Client) GetFile(ctx context.Context, key, localPath string) error {
	if err := c.mc.FGetObject(ctx, c.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return storeErr("get", key, err)
	}
	return nil
}

// List returns all objects under the given key prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, storeErr("list", prefix, obj.Err)
		}
		infos = append(infos, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return infos, nil
}

// Remove deletes the object at key.
func (c *Client) Remove(ctx context.Context, key string) error {
	err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
		return storeErr("remove", key, err)
	}
	return nil
}

// Exists reports whether an object is present at key.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, storeErr("stat", key, err)
	}
	return true, nil
}

// Presign returns a time-limited GET URL for the object at key.
func (c *Client) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", storeErr("presign", key, err)
	}
	return u.String(), nil
}

func storeErr(op, key string, err error) *types.AppError {
	return types.NewAppError(
		types.ErrCodeInternalObjectStore,
		fmt.Sprintf("object store %s failed for %q", op, key),
		err,
	)
}
