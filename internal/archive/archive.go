// Package archive uploads the event chain of resolved markets to S3 (or any
// S3-compatible store) as JSON lines.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bitpredict/market-ledger/internal/metrics"
	"github.com/bitpredict/market-ledger/internal/model"
)

const sinkName = "archive"

// Config holds the connection settings for an S3-compatible store.
type Config struct {
	Endpoint       string // empty for AWS S3
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// Uploader is the subset of *s3.Client used here.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// EventSource lists a market's event chain.
type EventSource interface {
	Events(ctx context.Context, marketID uint64) ([]model.Event, error)
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" {
			endpoint = "https://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Archiver is a ledger sink. Resolution and payout events schedule an
// upload of the market's full chain; uploads run on Run's goroutine.
type Archiver struct {
	up     Uploader
	src    EventSource
	bucket string
	prefix string

	mu      sync.Mutex
	pending map[uint64]bool
	wake    chan struct{}
}

// New creates an archiver writing to bucket under prefix.
func New(up Uploader, src EventSource, bucket, prefix string) *Archiver {
	return &Archiver{
		up:      up,
		src:     src,
		bucket:  bucket,
		prefix:  prefix,
		pending: make(map[uint64]bool),
		wake:    make(chan struct{}, 1),
	}
}

// Key returns the object key for a market's chain.
func (a *Archiver) Key(marketID uint64) string {
	return fmt.Sprintf("%smarkets/%d/events.jsonl", a.prefix, marketID)
}

// Publish schedules an upload when ev settles the market's history.
func (a *Archiver) Publish(ev model.Event) {
	switch ev.Type {
	case model.EventMarketResolved, model.EventPayoutClaimed:
	default:
		return
	}
	a.mu.Lock()
	a.pending[ev.MarketID] = true
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run uploads scheduled markets until ctx is cancelled. Bursts of claims on
// one market collapse into a single upload.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.wake:
		}
		for _, id := range a.drain() {
			if err := a.Archive(ctx, id); err != nil {
				metrics.EventsDropped.WithLabelValues(sinkName).Inc()
				slog.Error("archive upload failed", "market_id", id, "error", err)
				continue
			}
			metrics.EventsPublished.WithLabelValues(sinkName).Inc()
		}
	}
}

func (a *Archiver) drain() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	clear(a.pending)
	return ids
}

// Archive uploads market id's current chain.
func (a *Archiver) Archive(ctx context.Context, id uint64) error {
	events, err := a.src.Events(ctx, id)
	if err != nil {
		return fmt.Errorf("archive: list events for market %d: %w", id, err)
	}
	body, err := EncodeJSONL(events)
	if err != nil {
		return err
	}
	_, err = a.up.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(id)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", a.Key(id), err)
	}
	slog.Info("market archived", "market_id", id, "events", len(events), "key", a.Key(id))
	return nil
}

// EncodeJSONL writes one JSON object per line.
func EncodeJSONL(events []model.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return nil, fmt.Errorf("archive: encode event %d: %w", events[i].Sequence, err)
		}
	}
	return buf.Bytes(), nil
}
