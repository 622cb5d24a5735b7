package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"healthsim/pkg/domain"
)

// S3Store keeps each cohort container under <prefix><name>/ in a single
// bucket (AWS S3 or MinIO). Entity objects are written first and the
// manifest object last, so a reader that finds a manifest always finds
// the entity objects it names. S3 offers no rename or directory swap, so
// a crashed save can leave orphan entity objects; they are invisible to
// readers and reclaimed by the next save of the same cohort.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds explicit construction parameters (mostly for tests).
// Production deployments rely primarily on environment variables.
type S3Config struct {
	Region          string
	Bucket          string
	Prefix          string // optional key prefix, e.g. "cohorts/"
	Endpoint        string // optional; enables custom endpoint (e.g. MinIO)
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string // optional
	SessionToken    string // optional
	PathStyle       bool
}

// Environment variables (documented in README):
//   HEALTHSIM_DOCSTORE_DRIVER=s3
//   HEALTHSIM_S3_BUCKET=<bucket> (required)
//   HEALTHSIM_S3_PREFIX=<prefix> (default "cohorts/")
//   HEALTHSIM_S3_REGION=<region> (default us-east-1)
//   HEALTHSIM_S3_ENDPOINT=<url> (optional, for MinIO)
//   HEALTHSIM_S3_PATH_STYLE=true|false (default false)
//   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// NewS3 creates an S3 document store from S3Config.
func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// OpenS3FromEnv constructs an S3 document store from process environment.
func OpenS3FromEnv(ctx context.Context) (*S3Store, error) {
	bucket := os.Getenv("HEALTHSIM_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("HEALTHSIM_S3_BUCKET required for s3 driver")
	}
	prefix := os.Getenv("HEALTHSIM_S3_PREFIX")
	if prefix == "" {
		prefix = "cohorts/"
	}
	cfg := S3Config{
		Bucket:    bucket,
		Prefix:    prefix,
		Region:    os.Getenv("HEALTHSIM_S3_REGION"),
		Endpoint:  os.Getenv("HEALTHSIM_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("HEALTHSIM_S3_PATH_STYLE"), "true"),
	}
	return NewS3(ctx, cfg)
}

func (s *S3Store) containerPrefix(name string) string {
	return s.prefix + name + "/"
}

func (s *S3Store) key(name, file string) string {
	return s.containerPrefix(name) + file
}

func (s *S3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return &domain.IOError{Op: "write", Backend: domain.BackendDocument, Err: err}
	}
	return nil
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) || isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, &domain.IOError{Op: "read", Backend: domain.BackendDocument, Err: err}
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, &domain.IOError{Op: "read", Backend: domain.BackendDocument, Err: err}
	}
	return data, true, nil
}

// isS3NotFound catches 404s surfaced as generic API errors, which is how
// path-style endpoints and some S3 emulators report absent keys.
func isS3NotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "StatusCode: 404") || strings.Contains(err.Error(), "NoSuchKey")
}

func (s *S3Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &prefix, ContinuationToken: token})
		if err != nil {
			return nil, &domain.IOError{Op: "list", Backend: domain.BackendDocument, Err: err}
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	return keys, nil
}

// Write uploads entity objects first and the manifest last, then prunes
// objects left over from a previous, larger version of the container.
func (s *S3Store) Write(ctx context.Context, cohort domain.Cohort) (string, error) {
	if err := validateName(cohort.Name); err != nil {
		return "", err
	}
	existing, err := s.listKeys(ctx, s.containerPrefix(cohort.Name))
	if err != nil {
		return "", err
	}
	written := map[string]bool{}
	for entityType, records := range cohort.Entities {
		if len(records) == 0 {
			continue
		}
		data, err := encodeEntities(records)
		if err != nil {
			return "", err
		}
		key := s.key(cohort.Name, entityFileName(entityType))
		if err := s.put(ctx, key, data); err != nil {
			return "", err
		}
		written[key] = true
	}
	data, err := encodeManifest(manifestFor(cohort))
	if err != nil {
		return "", err
	}
	manifestKey := s.key(cohort.Name, manifestFile)
	if err := s.put(ctx, manifestKey, data); err != nil {
		return "", err
	}
	written[manifestKey] = true
	for _, key := range existing {
		if !written[key] {
			s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key})
		}
	}
	return "s3://" + s.bucket + "/" + s.containerPrefix(cohort.Name), nil
}

func (s *S3Store) readManifest(ctx context.Context, name string) (Manifest, error) {
	data, ok, err := s.get(ctx, s.key(name, manifestFile))
	if err != nil {
		return Manifest{}, err
	}
	if !ok {
		return Manifest{}, &domain.NotFoundError{Name: name, Backend: domain.BackendDocument}
	}
	m, err := decodeManifest(data)
	if err != nil {
		return Manifest{}, &domain.IOError{Op: "read", Backend: domain.BackendDocument, Err: err}
	}
	return m, nil
}

// Read fetches the manifest and exactly the entity objects it names.
func (s *S3Store) Read(ctx context.Context, name string) (domain.Cohort, error) {
	if err := validateName(name); err != nil {
		return domain.Cohort{}, err
	}
	m, err := s.readManifest(ctx, name)
	if err != nil {
		return domain.Cohort{}, err
	}
	entities := make(map[domain.EntityType][]domain.EntityRecord)
	for entityType, count := range m.EntityCounts {
		data, ok, err := s.get(ctx, s.key(name, entityFileName(entityType)))
		if err != nil {
			return domain.Cohort{}, err
		}
		if !ok {
			if count == 0 {
				continue
			}
			return domain.Cohort{}, &domain.IOError{Op: "read", Backend: domain.BackendDocument,
				Err: fmt.Errorf("container %s: manifest records %d %s entities but the object is missing", name, count, entityType)}
		}
		records, err := decodeEntities(entityType, data)
		if err != nil {
			return domain.Cohort{}, &domain.IOError{Op: "read", Backend: domain.BackendDocument, Err: err}
		}
		entities[entityType] = records
	}
	return cohortFromParts(m, entities), nil
}

func (s *S3Store) Summary(ctx context.Context, name string) (domain.CohortSummary, error) {
	if err := validateName(name); err != nil {
		return domain.CohortSummary{}, err
	}
	m, err := s.readManifest(ctx, name)
	if err != nil {
		return domain.CohortSummary{}, err
	}
	return m.summary(), nil
}

// List scans for manifest objects under the store prefix.
func (s *S3Store) List(ctx context.Context) ([]domain.CohortSummary, error) {
	keys, err := s.listKeys(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	var summaries []domain.CohortSummary
	for _, key := range keys {
		if !strings.HasSuffix(key, "/"+manifestFile) {
			continue
		}
		data, ok, err := s.get(ctx, key)
		if err != nil || !ok {
			continue
		}
		m, err := decodeManifest(data)
		if err != nil {
			continue
		}
		summaries = append(summaries, m.summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

// Delete removes the manifest first so the container disappears from
// listings immediately, then the entity objects.
func (s *S3Store) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if _, err := s.readManifest(ctx, name); err != nil {
		return err
	}
	manifestKey := s.key(name, manifestFile)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &manifestKey}); err != nil {
		return &domain.IOError{Op: "delete", Backend: domain.BackendDocument, Err: err}
	}
	keys, err := s.listKeys(ctx, s.containerPrefix(name))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
			return &domain.IOError{Op: "delete", Backend: domain.BackendDocument, Err: err}
		}
	}
	return nil
}

// Retag rewrites only the manifest object. A single PutObject is atomic,
// so readers see either the old tag set or the new one.
func (s *S3Store) Retag(ctx context.Context, name string, tags []string, updatedAt time.Time) error {
	if err := validateName(name); err != nil {
		return err
	}
	m, err := s.readManifest(ctx, name)
	if err != nil {
		return err
	}
	m.Tags = domain.NormalizeTags(tags)
	m.UpdatedAt = updatedAt.UTC()
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}
	return s.put(ctx, s.key(name, manifestFile), data)
}

// Rename is copy-then-delete: S3 has no atomic move.
func (s *S3Store) Rename(ctx context.Context, oldName, newName string) error {
	if err := validateName(oldName); err != nil {
		return err
	}
	if err := validateName(newName); err != nil {
		return err
	}
	if _, err := s.readManifest(ctx, newName); err == nil {
		return fmt.Errorf("cohort %s already exists", newName)
	} else if !domain.IsNotFound(err) {
		return err
	}
	cohort, err := s.Read(ctx, oldName)
	if err != nil {
		return err
	}
	cohort.Name = newName
	if _, err := s.Write(ctx, cohort); err != nil {
		return err
	}
	return s.Delete(ctx, oldName)
}

var _ domain.DocumentStore = (*S3Store)(nil)
