package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/pkg/logger"
	"github.com/jaennil/guide_helper/media/pkg/metrics"
)

type S3Config struct {
	Bucket         string
	Region         string
	Prefix         string
	Endpoint       string
	ForcePathStyle bool
	Timeout        time.Duration
	// Credentials overrides the default provider chain (environment, shared
	// config, instance role). Nil keeps the default chain.
	Credentials *credentials.Credentials
}

// S3 stores blobs as objects under {prefix}/{key} in a bucket.
type S3 struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
	timeout  time.Duration
	logger   logger.Logger
}

var _ Backend = (*S3)(nil)

func NewS3(cfg S3Config, l logger.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
		// Retries belong to the caller; the SDK must not hide a degraded backend.
		MaxRetries: aws.Int(0),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.Credentials != nil {
		awsCfg.Credentials = cfg.Credentials
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	client := s3.New(sess)

	l.Info("s3 storage initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "region", cfg.Region)

	return &S3{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		timeout:  cfg.Timeout,
		logger:   l,
	}, nil
}

func (s *S3) Kind() entity.BackendKind {
	return entity.BackendS3
}

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Put uploads in a single conditional request: S3 refuses to replace an
// existing object, so concurrent writers of one key see exactly one success.
func (s *S3) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// The uploader switches to multipart for large bodies; the object only
	// becomes visible once the upload completes.
	body := &sourceReader{r: r}
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        body,
		ContentType: aws.String(contentType),
	}, s3manager.WithUploaderRequestOptions(ifNoneMatch))
	switch {
	case err == nil:
	case body.err != nil:
		return readFailure("s3 put", key, body.err)
	case isPreconditionFailed(err):
		return fmt.Errorf("s3 put %s: %w", key, entity.ErrKeyConflict)
	default:
		return s.classify("put", key, err)
	}

	s.logger.Debug("s3 object uploaded", "bucket", s.bucket, "key", key, "size", size)
	return nil
}

// ifNoneMatch sends If-None-Match: * on the request that makes an object
// visible. Multipart uploads carry it on completion.
func ifNoneMatch(r *request.Request) {
	switch r.Operation.Name {
	case "PutObject", "CompleteMultipartUpload":
		r.HTTPRequest.Header.Set("If-None-Match", "*")
	}
}

func (s *S3) Get(ctx context.Context, key string) (Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	head, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, s.classify("get", key, err)
	}

	return &s3Object{
		backend:     s,
		key:         key,
		size:        aws.Int64Value(head.ContentLength),
		contentType: aws.StringValue(head.ContentType),
	}, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return s.classify("delete", key, err)
	}
	return nil
}

func (s *S3) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (entity.PresignGrant, error) {
	if err := ValidateKey(key); err != nil {
		return entity.PresignGrant{}, err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, _ := s.client.PutObjectRequest(input)
	url, err := req.Presign(ttl)
	if err != nil {
		return entity.PresignGrant{}, s.classify("presign", key, err)
	}

	grant := entity.PresignGrant{
		Method:    http.MethodPut,
		URL:       url,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if contentType != "" {
		grant.RequiredHeaders = map[string]string{"Content-Type": contentType}
	}
	return grant, nil
}

func (s *S3) PresignGet(ctx context.Context, key string, ttl time.Duration) (entity.PresignGrant, error) {
	if err := ValidateKey(key); err != nil {
		return entity.PresignGrant{}, err
	}
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return entity.PresignGrant{}, s.classify("presign", key, err)
	}
	return entity.PresignGrant{
		Method:    http.MethodGet,
		URL:       url,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

func (s *S3) classify(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("s3 %s %s: %w", op, key, entity.ErrNotFound)
	}
	metrics.StorageErrors.WithLabelValues(string(entity.BackendS3), op).Inc()
	if aerr, ok := err.(awserr.Error); ok {
		s.logger.Warn("s3 request failed", "op", op, "key", key, "code", aerr.Code(), "error", aerr.Message())
	} else {
		s.logger.Warn("s3 request failed", "op", op, "key", key, "error", err)
	}
	return fmt.Errorf("s3 %s %s: %v: %w", op, key, err, entity.ErrBackendUnavailable)
}

// isPreconditionFailed reports a write refused because the key exists, or
// lost to a concurrent conditional write. Multipart failures nest the
// response error, so the OrigErr chain is walked.
func isPreconditionFailed(err error) bool {
	for err != nil {
		if rf, ok := err.(awserr.RequestFailure); ok {
			switch {
			case rf.StatusCode() == http.StatusPreconditionFailed:
				return true
			case rf.StatusCode() == http.StatusConflict && rf.Code() == "ConditionalRequestConflict":
				return true
			}
		}
		if aerr, ok := err.(awserr.Error); ok {
			if aerr.Code() == "PreconditionFailed" {
				return true
			}
			err = aerr.OrigErr()
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}

func isNotFound(err error) bool {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// s3Object serves ReadAt with ranged GETs. Read advances an internal offset
// on top of ReadAt so sequential consumers work too.
type s3Object struct {
	backend     *S3
	key         string
	size        int64
	contentType string
	offset      int64
}

func (o *s3Object) Size() int64         { return o.size }
func (o *s3Object) ContentType() string { return o.contentType }
func (o *s3Object) Close() error        { return nil }

func (o *s3Object) ReadAt(p []byte, off int64) (int, error) {
	if off >= o.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := off + int64(len(p)) - 1
	short := false
	if end >= o.size {
		end = o.size - 1
		short = true
	}

	ctx, cancel := o.backend.withTimeout(context.Background())
	defer cancel()

	out, err := o.backend.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.backend.bucket),
		Key:    aws.String(o.backend.objectKey(o.key)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, o.backend.classify("get", o.key, err)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, p[:end-off+1])
	if err != nil {
		return n, o.backend.classify("get", o.key, err)
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

func (o *s3Object) Read(p []byte) (int, error) {
	n, err := o.ReadAt(p, o.offset)
	o.offset += int64(n)
	if err == io.EOF && n > 0 {
		return n, nil
	}
	return n, err
}
