// Package s3store is the clustered-deployment variant of artifact.Manager:
// it registers the same content-addressed records but persists the bytes to
// an S3-compatible bucket instead of local disk, so any cluster node can
// serve an artifact regardless of which node produced it. Image uploads
// additionally get a thumbnail object alongside the original.
package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nfnt/resize"

	"github.com/evalgo/actiondrive/driver"
)

// thumbnailMaxWidth bounds the generated preview's width; height follows to
// preserve aspect ratio.
const thumbnailMaxWidth = 256

// sharedHTTPClient is reused across every S3 operation this package
// performs, avoiding a fresh TCP/TLS handshake per upload.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Record mirrors artifact.Record; duplicated here rather than imported so
// this package has no compile-time dependency on the local-disk backend.
type Record struct {
	ArtifactID   string
	WorkflowID   string
	ActionID     string
	ObjectKey    string
	ThumbnailKey string
	Mime         string
	Size         int64
	SHA256       string
}

// Config points a Manager at an S3-compatible bucket. Endpoint is optional;
// when set it is used as a custom (non-AWS) endpoint, matching how the
// teacher's storage package targets LakeFS/MinIO/Hetzner deployments.
type Config struct {
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	Endpoint     string
	UsePathStyle bool
}

// Manager registers artifacts against an S3-compatible bucket and keeps an
// in-memory index of records, same as artifact.Manager.
type Manager struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader

	mu      sync.Mutex
	records map[string]Record
}

// NewManager loads AWS SDK configuration from cfg and returns a Manager
// ready to register artifacts against cfg.Bucket.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true,
				}, nil
			})))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.HTTPClient = sharedHTTPClient
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Manager{
		bucket:   cfg.Bucket,
		client:   client,
		uploader: manager.NewUploader(client),
		records:  make(map[string]Record),
	}, nil
}

func objectKey(workflowID, artifactID string) string {
	safe := strings.ReplaceAll(workflowID, "/", "_")
	return fmt.Sprintf("%s/%s", safe, artifactID)
}

// RegisterExistingUpload hashes a staged file, uploads it under the
// workflow's prefix, and generates a thumbnail when it looks like an image.
func (m *Manager) RegisterExistingUpload(ctx context.Context, workflowID, actionID, sourcePath string) (Record, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return Record{}, fmt.Errorf("s3store: register upload: %w", err)
	}
	return m.put(ctx, workflowID, actionID, "up_", data)
}

// SaveDownload saves a page download's bytes into the bucket under the
// workflow's prefix.
func (m *Manager) SaveDownload(ctx context.Context, workflowID, actionID string, download driver.Download) (Record, error) {
	tmp, err := os.CreateTemp("", "actiondrive-download-*")
	if err != nil {
		return Record{}, fmt.Errorf("s3store: save download: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := download.SaveAs(ctx, tmp.Name()); err != nil {
		return Record{}, fmt.Errorf("s3store: save download: %w", err)
	}
	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return Record{}, fmt.Errorf("s3store: save download: %w", err)
	}
	return m.put(ctx, workflowID, actionID, "dl_", data)
}

func (m *Manager) put(ctx context.Context, workflowID, actionID, idPrefix string, data []byte) (Record, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	artifactID := idPrefix + digest[:20]
	key := objectKey(workflowID, artifactID)
	mime := detectMime(data)

	if _, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"sha256": digest,
		},
	}); err != nil {
		return Record{}, fmt.Errorf("s3store: upload %s: %w", key, err)
	}

	record := Record{
		ArtifactID: artifactID,
		WorkflowID: workflowID,
		ActionID:   actionID,
		ObjectKey:  key,
		Mime:       mime,
		Size:       int64(len(data)),
		SHA256:     digest,
	}

	if strings.HasPrefix(mime, "image/") {
		if thumbKey, err := m.putThumbnail(ctx, key, data); err == nil {
			record.ThumbnailKey = thumbKey
		}
	}

	m.mu.Lock()
	m.records[artifactID] = record
	m.mu.Unlock()
	return record, nil
}

func (m *Manager) putThumbnail(ctx context.Context, sourceKey string, data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	thumb := resize.Resize(thumbnailMaxWidth, 0, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
		return "", err
	}

	thumbKey := sourceKey + ".thumb.jpg"
	if _, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(thumbKey),
		Body:   bytes.NewReader(buf.Bytes()),
	}); err != nil {
		return "", err
	}
	return thumbKey, nil
}

func detectMime(data []byte) string {
	return http.DetectContentType(data)
}

// GetRecord looks up a previously registered artifact by id.
func (m *Manager) GetRecord(artifactID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[artifactID]
	return r, ok
}

// ListWorkflowRecords returns every artifact registered for workflowID.
func (m *Manager) ListWorkflowRecords(workflowID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	return out
}

// PurgeWorkflow deletes every object registered under workflowID's prefix,
// including generated thumbnails, and drops the records from the index.
func (m *Manager) PurgeWorkflow(ctx context.Context, workflowID string) error {
	m.mu.Lock()
	var keys []string
	for id, r := range m.records {
		if r.WorkflowID != workflowID {
			continue
		}
		keys = append(keys, r.ObjectKey)
		if r.ThumbnailKey != "" {
			keys = append(keys, r.ThumbnailKey)
		}
		delete(m.records, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("s3store: purge workflow: %w", firstErr)
	}
	return nil
}
