package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"threatline/internal/schema"
)

// Compression names an archive body encoding.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// ArchiverConfig shapes archived objects.
type ArchiverConfig struct {
	Compression Compression `json:"compression" yaml:"compression"`
	// PathTemplate accepts {date}, {year}, {month}, {day}, {source} and {id}.
	PathTemplate string `json:"path_template" yaml:"path_template"`
}

func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		Compression:  CompressionNone,
		PathTemplate: "incidents/{date}/{id}.json",
	}
}

// codec encodes archive bodies. ext is appended to keys.
type codec struct {
	ext      string
	encoding string
	encode   func([]byte) ([]byte, error)
	decode   func([]byte) ([]byte, error)
}

func newCodec(c Compression) (codec, error) {
	switch c {
	case "", CompressionNone:
		identity := func(b []byte) ([]byte, error) { return b, nil }
		return codec{encode: identity, decode: identity}, nil

	case CompressionGzip:
		return codec{
			ext:      ".gz",
			encoding: "gzip",
			encode: func(b []byte) ([]byte, error) {
				var buf bytes.Buffer
				zw := gzip.NewWriter(&buf)
				if _, err := zw.Write(b); err != nil {
					return nil, err
				}
				if err := zw.Close(); err != nil {
					return nil, err
				}
				return buf.Bytes(), nil
			},
			decode: func(b []byte) ([]byte, error) {
				zr, err := gzip.NewReader(bytes.NewReader(b))
				if err != nil {
					return nil, err
				}
				defer zr.Close()
				return io.ReadAll(zr)
			},
		}, nil

	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return codec{}, err
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return codec{}, err
		}
		return codec{
			ext:      ".zst",
			encoding: "zstd",
			encode:   func(b []byte) ([]byte, error) { return enc.EncodeAll(b, nil), nil },
			decode:   func(b []byte) ([]byte, error) { return dec.DecodeAll(b, nil) },
		}, nil
	}
	return codec{}, fmt.Errorf("s3: unknown compression %q", c)
}

// Archiver stores one JSON object per incident. Keys derive from the
// incident id and creation date, so archiving the same incident twice
// overwrites one object.
type Archiver struct {
	client   *Client
	template string
	codec    codec
	logger   *slog.Logger
}

// NewArchiver builds an archiver over client.
func NewArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) (*Archiver, error) {
	if cfg == nil {
		cfg = DefaultArchiverConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cd, err := newCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	tmpl := cfg.PathTemplate
	if tmpl == "" {
		tmpl = DefaultArchiverConfig().PathTemplate
	}
	if !strings.Contains(tmpl, "{id}") {
		return nil, fmt.Errorf("s3: path template %q must contain {id}", tmpl)
	}
	return &Archiver{client: client, template: tmpl, codec: cd, logger: logger.With("component", "archiver")}, nil
}

// key renders the template for one incident.
func (a *Archiver) key(id uuid.UUID, createdAt time.Time, source string) string {
	ts := createdAt.UTC()
	return strings.NewReplacer(
		"{date}", ts.Format("2006/01/02"),
		"{year}", ts.Format("2006"),
		"{month}", ts.Format("01"),
		"{day}", ts.Format("02"),
		"{source}", source,
		"{id}", id.String(),
	).Replace(a.template) + a.codec.ext
}

// ArchiveIncident stores inc and returns its s3:// URI.
func (a *Archiver) ArchiveIncident(ctx context.Context, inc *schema.Incident) (string, error) {
	raw, err := json.Marshal(inc)
	if err != nil {
		return "", fmt.Errorf("s3: encode incident %s: %w", inc.ID, err)
	}
	body, err := a.codec.encode(raw)
	if err != nil {
		return "", fmt.Errorf("s3: compress incident %s: %w", inc.ID, err)
	}

	uri, err := a.client.Put(ctx, a.key(inc.ID, inc.CreatedAt, inc.SourceIdentity), Object{
		Body:            body,
		ContentType:     "application/json",
		ContentEncoding: a.codec.encoding,
		Metadata: map[string]string{
			"source-identity": inc.SourceIdentity,
			"severity":        string(inc.Severity),
			"alert-count":     strconv.Itoa(inc.AlertCount),
		},
	})
	if err != nil {
		return "", err
	}
	a.logger.Debug("incident archived", "incident_id", inc.ID, "uri", uri)
	return uri, nil
}

// RestoreIncident reads back an archived incident. createdAt and source must
// be the values it was archived with.
func (a *Archiver) RestoreIncident(ctx context.Context, id uuid.UUID, createdAt time.Time, source string) (*schema.Incident, error) {
	body, err := a.client.Get(ctx, a.key(id, createdAt, source))
	if err != nil {
		return nil, err
	}
	raw, err := a.codec.decode(body)
	if err != nil {
		return nil, fmt.Errorf("s3: decompress incident %s: %w", id, err)
	}
	var inc schema.Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return nil, fmt.Errorf("s3: decode incident %s: %w", id, err)
	}
	return &inc, nil
}
