package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Sink uploads payloads to an S3-compatible bucket and returns the object URL.
type S3Sink struct {
	client *minio.Client
	bucket string
}

func NewS3Sink(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Sink, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
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
	return &S3Sink{client: client, bucket: bucket}, nil
}

func (s *S3Sink) Store(ctx context.Context, issueID int, p Payload) (Stored, error) {
	contentType := contentTypeOrDefault(p.ContentType)
	checksum := Checksum(p.Data)
	key := ObjectKey(issueID, checksum, p.Filename)

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(p.Data), int64(len(p.Data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Stored{}, fmt.Errorf("upload %s: %w", key, err)
	}

	endpoint := s.client.EndpointURL()
	objectURL := url.URL{Scheme: endpoint.Scheme, Host: endpoint.Host, Path: "/" + s.bucket + "/" + key}
	return Stored{
		URL:         objectURL.String(),
		ContentType: contentType,
		Size:        int64(len(p.Data)),
		Checksum:    checksum,
	}, nil
}

// ObjectKey places attachments under their issue, prefixed with part of the content hash so
// two uploads with the same filename do not collide.
func ObjectKey(issueID int, checksum, filename string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = "attachment"
	}
	prefix := checksum
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return fmt.Sprintf("issues/%d/%s-%s", issueID, prefix, name)
}
