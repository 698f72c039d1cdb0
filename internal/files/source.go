package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound means no document exists for the requested file ID.
var ErrNotFound = errors.New("document not found")

// Source resolves a file ID to the raw PDF bytes of the document. Backends
// that run without an external document server plug one of these in.
type Source interface {
	Fetch(ctx context.Context, fileID string) ([]byte, error)
}

// LocalSource serves documents from a flat directory, one <fileID>.pdf per
// document.
type LocalSource struct {
	dir string
}

func NewLocalSource(dir string) (*LocalSource, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}
	return &LocalSource{dir: dir}, nil
}

func (s *LocalSource) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	// File IDs come from URLs; anything path-like is rejected outright.
	if fileID == "" || fileID != filepath.Base(fileID) || strings.HasPrefix(fileID, ".") {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, fileID+".pdf"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", fileID, err)
	}
	return data, nil
}

// S3Source serves documents from an S3 bucket, object key <fileID>.pdf.
type S3Source struct {
	client *minio.Client
	bucket string
}

func NewS3Source(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Source, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to s3: %w", err)
	}
	return &S3Source{client: client, bucket: bucket}, nil
}

func (s *S3Source) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, fileID+".pdf", minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch document %s: %w", fileID, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read document %s: %w", fileID, err)
	}
	return data, nil
}
