package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver keeps a copy of every generated export in S3-compatible
// object storage for audit purposes.
type Archiver struct {
	client *minio.Client
	bucket string
}

// NewArchiver connects to object storage and ensures the bucket exists.
func NewArchiver(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archiver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Archiver{client: client, bucket: bucket}, nil
}

// Store uploads an export under exports/<patientID>/<timestamp>-<filename>.
func (a *Archiver) Store(ctx context.Context, patientID int64, result *Result) error {
	objectName := fmt.Sprintf("exports/%d/%s-%s",
		patientID, time.Now().UTC().Format("20060102T150405Z"), result.Filename)

	_, err := a.client.PutObject(ctx, a.bucket, objectName,
		bytes.NewReader(result.Data), int64(len(result.Data)),
		minio.PutObjectOptions{ContentType: result.MimeType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectName, err)
	}
	return nil
}
