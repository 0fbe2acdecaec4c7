// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package artifact

import (
	"context"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Store answers existence queries against the artifact store.
//
// Exists must distinguish "the object does not exist" (false, nil) from
// "the store could not be reached" (false, non-nil error).
type Store interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// FileStore is a Store backed by github.com/grailbio/base/file. It serves
// local paths and any scheme registered with file.RegisterImplementation.
type FileStore struct{}

// Exists implements Store.
func (FileStore) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := file.Stat(ctx, path); err != nil {
		if IsNotExist(err) {
			return false, nil
		}
		return false, errors.E(errors.Unavailable, err, "stat", path)
	}
	return true, nil
}

// IsNotExist reports whether err says that a file does not exist.
func IsNotExist(err error) bool {
	if errors.Is(errors.NotExist, err) {
		return true
	}
	for err != nil {
		if os.IsNotExist(err) {
			return true
		}
		e, ok := err.(*errors.Error)
		if !ok {
			return false
		}
		err = e.Err
	}
	return false
}

// splitURL splits "gs://bucket/a/b" into ("bucket", "a/b").
func splitURL(path, scheme string) (bucket, key string, err error) {
	prefix := scheme + "://"
	if !strings.HasPrefix(path, prefix) {
		return "", "", errors.E(errors.Invalid, "not a", scheme, "path:", path)
	}
	rest := path[len(prefix):]
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", errors.E(errors.Invalid, "malformed", scheme, "path:", path)
	}
	return rest[:i], rest[i+1:], nil
}

// GCSStore is a Store for gs:// paths.
type GCSStore struct {
	Client *storage.Client
}

// NewGCSStore creates a GCSStore using the default credentials.
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.E(errors.Unavailable, err, "create GCS client")
	}
	return &GCSStore{Client: client}, nil
}

// Exists implements Store.
func (s *GCSStore) Exists(ctx context.Context, path string) (bool, error) {
	bucket, key, err := splitURL(path, "gs")
	if err != nil {
		return false, err
	}
	_, err = s.Client.Bucket(bucket).Object(key).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case err == storage.ErrObjectNotExist:
		return false, nil
	default:
		return false, errors.E(errors.Unavailable, err, "stat", path)
	}
}

// S3Store is a Store for s3:// paths.
type S3Store struct {
	Client s3iface.S3API
}

// Exists implements Store.
func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	bucket, key, err := splitURL(path, "s3")
	if err != nil {
		return false, err
	}
	_, err = s.Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "NotFound", s3.ErrCodeNoSuchKey:
			return false, nil
		}
	}
	return false, errors.E(errors.Unavailable, err, "stat", path)
}

// MultiStore routes a query by the URL scheme of the path. Paths without a
// scheme, and schemes without a registered store, go to Default.
type MultiStore struct {
	Schemes map[string]Store
	Default Store
}

// Exists implements Store.
func (m *MultiStore) Exists(ctx context.Context, path string) (bool, error) {
	if i := strings.Index(path, "://"); i > 0 {
		if s, ok := m.Schemes[path[:i]]; ok {
			return s.Exists(ctx, path)
		}
	}
	if m.Default == nil {
		return false, errors.E(errors.Invalid, "no store for", path)
	}
	return m.Default.Exists(ctx, path)
}
