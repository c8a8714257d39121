package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatline/internal/schema"
)

// fakeBucket is an in-memory ObjectAPI.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	putErr  error
	headErr error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeBucket) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func testIncident() *schema.Incident {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alerts := []*schema.Alert{
		{ID: schema.NewAlertID(ts, "brute_force"), Severity: schema.SeverityHigh},
		{ID: schema.NewAlertID(ts.Add(time.Second), "port_scan"), Severity: schema.SeverityLow},
		{ID: schema.NewAlertID(ts.Add(2*time.Second), "port_scan"), Severity: schema.SeverityLow},
	}
	return schema.NewIncident("10.0.0.5", alerts, ts)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "no region", modify: func(c *Config) { c.Region = "" }, wantErr: true},
		{name: "no bucket", modify: func(c *Config) { c.Bucket = "" }, wantErr: true},
		{name: "bad endpoint", modify: func(c *Config) { c.Endpoint = "not a url" }, wantErr: true},
		{name: "minio endpoint", modify: func(c *Config) { c.Endpoint = "http://localhost:9000"; c.UsePathStyle = true }},
		{name: "bad encryption", modify: func(c *Config) { c.Encryption.Mode = "rot13" }, wantErr: true},
		{name: "kms", modify: func(c *Config) { c.Encryption = Encryption{Mode: "aws:kms", KMSKeyID: "key"} }},
		{name: "kms key without kms", modify: func(c *Config) { c.Encryption = Encryption{Mode: "AES256", KMSKeyID: "key"} }, wantErr: true},
		{name: "glacier", modify: func(c *Config) { c.StorageClass = "GLACIER_IR" }},
		{name: "unknown class", modify: func(c *Config) { c.StorageClass = "COLD" }, wantErr: true},
		{name: "negative timeout", modify: func(c *Config) { c.Timeout = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientPut(t *testing.T) {
	bucket := newFakeBucket()
	cfg := DefaultConfig()
	cfg.Prefix = "prod/"
	cfg.StorageClass = "STANDARD_IA"
	cfg.Encryption = Encryption{Mode: "aws:kms", KMSKeyID: "alias/archive"}
	c := NewClientWithAPI(bucket, cfg, nil)

	uri, err := c.Put(context.Background(), "a/b.json", Object{Body: []byte(`{}`), ContentType: "application/json"})
	require.NoError(t, err)
	assert.Equal(t, "s3://threatline-archive/prod/a/b.json", uri)

	require.Len(t, bucket.puts, 1)
	in := bucket.puts[0]
	assert.Equal(t, "prod/a/b.json", aws.ToString(in.Key))
	assert.Equal(t, types.StorageClassStandardIa, in.StorageClass)
	assert.Equal(t, types.ServerSideEncryptionAwsKms, in.ServerSideEncryption)
	assert.Equal(t, "alias/archive", aws.ToString(in.SSEKMSKeyId))
	assert.Nil(t, in.ContentEncoding)

	assert.Equal(t, Stats{Objects: 1, Bytes: 2}, c.Stats())
}

func TestClientGet_NotFound(t *testing.T) {
	c := NewClientWithAPI(newFakeBucket(), DefaultConfig(), nil)
	_, err := c.Get(context.Background(), "absent.json")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, c.Stats().Failures)
}

func TestClientHealthCheck(t *testing.T) {
	bucket := newFakeBucket()
	c := NewClientWithAPI(bucket, DefaultConfig(), nil)
	assert.NoError(t, c.HealthCheck(context.Background()))

	bucket.headErr = errors.New("403 Forbidden")
	err := c.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threatline-archive")
}

func TestArchiverKeys(t *testing.T) {
	inc := testIncident()
	c := NewClientWithAPI(newFakeBucket(), DefaultConfig(), nil)

	plain, err := NewArchiver(c, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "incidents/2026/03/01/"+inc.ID.String()+".json", plain.key(inc.ID, inc.CreatedAt, inc.SourceIdentity))

	gz, err := NewArchiver(c, &ArchiverConfig{Compression: CompressionGzip, PathTemplate: "{source}/{year}-{month}-{day}/{id}.json"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5/2026-03-01/"+inc.ID.String()+".json.gz", gz.key(inc.ID, inc.CreatedAt, inc.SourceIdentity))

	_, err = NewArchiver(c, &ArchiverConfig{PathTemplate: "incidents/{date}.json"}, nil)
	assert.Error(t, err)
	_, err = NewArchiver(c, &ArchiverConfig{Compression: "brotli"}, nil)
	assert.Error(t, err)
}

func TestArchiveAndRestore(t *testing.T) {
	for _, comp := range []Compression{CompressionNone, CompressionGzip, CompressionZstd} {
		t.Run(string(comp), func(t *testing.T) {
			bucket := newFakeBucket()
			c := NewClientWithAPI(bucket, DefaultConfig(), nil)
			a, err := NewArchiver(c, &ArchiverConfig{Compression: comp}, nil)
			require.NoError(t, err)

			inc := testIncident()
			uri, err := a.ArchiveIncident(context.Background(), inc)
			require.NoError(t, err)
			assert.Contains(t, uri, inc.ID.String())

			require.Len(t, bucket.puts, 1)
			in := bucket.puts[0]
			assert.Equal(t, "application/json", aws.ToString(in.ContentType))
			assert.Equal(t, "high", in.Metadata["severity"])
			assert.Equal(t, "3", in.Metadata["alert-count"])
			if comp != CompressionNone {
				assert.Equal(t, string(comp), aws.ToString(in.ContentEncoding))
			}

			got, err := a.RestoreIncident(context.Background(), inc.ID, inc.CreatedAt, inc.SourceIdentity)
			require.NoError(t, err)
			assert.Equal(t, inc.ID, got.ID)
			assert.Equal(t, inc.AlertIDs, got.AlertIDs)
			assert.Equal(t, schema.SeverityHigh, got.Severity)
		})
	}
}

func TestArchiveIncident_PutError(t *testing.T) {
	bucket := newFakeBucket()
	bucket.putErr = errors.New("access denied")
	c := NewClientWithAPI(bucket, DefaultConfig(), nil)
	a, err := NewArchiver(c, nil, nil)
	require.NoError(t, err)

	_, err = a.ArchiveIncident(context.Background(), testIncident())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Equal(t, int64(1), c.Stats().Failures)
}

func TestRestoreIncident_Missing(t *testing.T) {
	a, err := NewArchiver(NewClientWithAPI(newFakeBucket(), DefaultConfig(), nil), nil, nil)
	require.NoError(t, err)
	inc := testIncident()
	_, err = a.RestoreIncident(context.Background(), inc.ID, inc.CreatedAt, inc.SourceIdentity)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreIncident_SourceTemplate(t *testing.T) {
	bucket := newFakeBucket()
	a, err := NewArchiver(NewClientWithAPI(bucket, DefaultConfig(), nil),
		&ArchiverConfig{PathTemplate: "{source}/{id}.json"}, nil)
	require.NoError(t, err)
	inc := testIncident()

	_, err = a.ArchiveIncident(context.Background(), inc)
	require.NoError(t, err)

	got, err := a.RestoreIncident(context.Background(), inc.ID, inc.CreatedAt, inc.SourceIdentity)
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)

	_, err = a.RestoreIncident(context.Background(), inc.ID, inc.CreatedAt, "10.9.9.9")
	assert.ErrorIs(t, err, ErrNotFound)
}
