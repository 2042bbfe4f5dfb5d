package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// S3Backend archives bundles in Amazon S3 or a compatible object store.
// Read access works against public buckets without credentials; writes need
// an access key unless the bucket is public writable.
type S3Backend struct {
	client         *s3.S3
	writeClient    *s3.S3
	bucketName     string
	prefix         string
	log            *slog.Logger
	locationURI    string
	hasWriteAccess bool
}

// NewS3Backend creates an S3 archive backend. With accessKey and secretKey
// set the backend signs writes; otherwise it is effectively read-only.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}
	if accessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", accessKey, bucketName, prefix, region)
		if endpoint != "" {
			uri += fmt.Sprintf("&endpoint=%s", endpoint)
		}
	}

	baseCfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		baseCfg.Endpoint = aws.String(endpoint)
	}

	baseSess, err := session.NewSession(&baseCfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	readClient := s3.New(baseSess)

	hasWriteAccess := accessKey != "" && secretKey != ""
	writeClient := readClient
	if hasWriteAccess {
		writeCfg := baseCfg.Copy()
		writeCfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")

		writeSess, err := session.NewSession(writeCfg)
		if err != nil {
			return nil, fmt.Errorf("creating AWS write session: %w", err)
		}
		writeClient = s3.New(writeSess)
	} else {
		log.Warn("no S3 credentials provided, archive writes may fail unless the bucket is public writable")
	}

	return &S3Backend{
		client:         readClient,
		writeClient:    writeClient,
		bucketName:     bucketName,
		prefix:         strings.TrimSuffix(prefix, "/"),
		log:            log,
		locationURI:    uri,
		hasWriteAccess: hasWriteAccess,
	}, nil
}

// Store uploads the bundle under its fingerprint key. A key that already
// holds an object is left untouched.
func (b *S3Backend) Store(ctx context.Context, fp interfaces.Fingerprint, bundle []byte) error {
	key := b.objectKey(fp)

	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		b.log.Debug("bundle already archived in S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key))
		return nil
	}

	_, err = b.writeClient.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(bundle),
	})
	if err != nil {
		if !b.hasWriteAccess {
			return fmt.Errorf("%w: uploading bundle without write credentials: %v", interfaces.ErrArchiveUnavailable, err)
		}
		return fmt.Errorf("%w: uploading bundle: %v", interfaces.ErrArchiveUnavailable, err)
	}

	b.log.Debug("archived bundle in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(bundle)))
	return nil
}

// Fetch retrieves the bundle stored under the fingerprint. Returns
// ErrArtifactNotFound if the key does not exist.
func (b *S3Backend) Fetch(ctx context.Context, fp interfaces.Fingerprint) ([]byte, error) {
	start := time.Now()
	key := b.objectKey(fp)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			b.log.Debug("bundle not found in S3",
				slog.String("bucket", b.bucketName),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return nil, interfaces.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("%w: getting object: %v", interfaces.ErrArchiveUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading object body: %v", interfaces.ErrArchiveUnavailable, err)
	}

	b.log.Debug("fetched archived bundle from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// Available checks bucket reachability with a HEAD request.
func (b *S3Backend) Available(ctx context.Context) bool {
	start := time.Now()

	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 archive unavailable",
			slog.String("bucket", b.bucketName),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return false
	}
	return true
}

// Name returns a unique identifier for this archive backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this archive backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) objectKey(fp interfaces.Fingerprint) string {
	name := fp.String() + ".pem"
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}
