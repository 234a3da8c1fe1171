package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/raysh454/kansoku/internal/logging"
)

// s3API is the part of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps one JSON object per entry under <prefix>entries/ and the
// data versions under <prefix>history/<guid>/.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	limit  int
	logger logging.Logger
}

var _ Store = (*S3Store)(nil)

type s3Entry struct {
	GUID      string    `json:"guid"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Tries     int       `json:"tries"`
	ETag      string    `json:"etag,omitempty"`
}

func NewS3Store(ctx context.Context, cfg Config, logger logging.Logger) (*S3Store, error) {
	cfg = cfg.withDefaults()
	if cfg.S3.Bucket == "" {
		return nil, errors.New("cache: s3 backend needs a bucket")
	}

	var configOpts []func(*config.LoadOptions) error
	if cfg.S3.Region != "" {
		configOpts = append(configOpts, config.WithRegion(cfg.S3.Region))
	}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.S3.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
			o.UsePathStyle = true
		})
	}
	return newS3Store(s3.NewFromConfig(awsCfg, clientOpts...), cfg, logger), nil
}

func newS3Store(client s3API, cfg Config, logger logging.Logger) *S3Store {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	prefix := cfg.S3.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	logger = logger.With(logging.Field{Key: "component", Value: "cache"})
	logger.Info("s3 cache opened",
		logging.Field{Key: "bucket", Value: cfg.S3.Bucket},
		logging.Field{Key: "prefix", Value: prefix})
	return &S3Store{client: client, bucket: cfg.S3.Bucket, prefix: prefix, limit: cfg.History, logger: logger}
}

func (s *S3Store) entryKey(guid string) string { return s.prefix + "entries/" + guid + ".json" }
func (s *S3Store) historyPrefix(guid string) string {
	return s.prefix + "history/" + guid + "/"
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// list returns the keys under prefix in ascending order.
func (s *S3Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Store) Load(ctx context.Context, guid string) (Entry, error) {
	raw, err := s.get(ctx, s.entryKey(guid))
	if err != nil {
		return Entry{}, err
	}
	var e s3Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry %s: %w", guid, err)
	}
	return Entry{GUID: guid, Data: e.Data, Timestamp: e.Timestamp, Tries: e.Tries, ETag: e.ETag}, nil
}

func (s *S3Store) Save(ctx context.Context, e Entry) error {
	prev, err := s.Load(ctx, e.GUID)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	raw, err := json.Marshal(s3Entry{GUID: e.GUID, Data: e.Data, Timestamp: e.Timestamp, Tries: e.Tries, ETag: e.ETag})
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.GUID, err)
	}
	if err := s.put(ctx, s.entryKey(e.GUID), raw); err != nil {
		return err
	}
	if (found && bytes.Equal(prev.Data, e.Data)) || e.Timestamp.IsZero() {
		return nil
	}

	key := fmt.Sprintf("%s%020d", s.historyPrefix(e.GUID), time.Now().UnixNano())
	if err := s.put(ctx, key, e.Data); err != nil {
		return err
	}
	keys, err := s.list(ctx, s.historyPrefix(e.GUID))
	if err != nil {
		return err
	}
	for len(keys) > s.limit {
		if err := s.remove(ctx, keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

func (s *S3Store) History(ctx context.Context, guid string, n int) ([][]byte, error) {
	keys, err := s.list(ctx, s.historyPrefix(guid))
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for i := len(keys) - 1; i >= 0; i-- {
		if n > 0 && len(out) == n {
			break
		}
		data, err := s.get(ctx, keys[i])
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (s *S3Store) Delete(ctx context.Context, guid string) error {
	keys, err := s.list(ctx, s.historyPrefix(guid))
	if err != nil {
		return err
	}
	for _, key := range append(keys, s.entryKey(guid)) {
		if err := s.remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) GUIDs(ctx context.Context) ([]string, error) {
	base := s.prefix + "entries/"
	keys, err := s.list(ctx, base)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(key, base), ".json"))
	}
	return out, nil
}

func (s *S3Store) Close() error { return nil }
