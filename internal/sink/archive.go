package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
)

// slotsPerPartition groups archived objects into key prefixes by slot range.
const slotsPerPartition = 100_000

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// ArchiveSink writes every envelope as a snappy-compressed JSON object. Keys
// are derived from the occurrence, so redelivery overwrites the same object.
type ArchiveSink struct {
	client objectPutter
	bucket string
	prefix string
}

func NewArchiveSink(ctx context.Context, cfg ArchiveConfig) (*ArchiveSink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive sink requires a bucket")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newArchiveSink(client, cfg.Bucket, cfg.Prefix), nil
}

func newArchiveSink(client objectPutter, bucket, prefix string) *ArchiveSink {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &ArchiveSink{client: client, bucket: bucket, prefix: prefix}
}

func (s *ArchiveSink) Name() string { return "archive" }

func (s *ArchiveSink) Deliver(ctx context.Context, env event.EventEnvelope) error {
	msg, err := newEventMessage(env)
	if err != nil {
		return retry.Terminal(err)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return retry.Terminal(fmt.Errorf("marshal archive object: %w", err))
	}

	key := s.objectKey(env)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(snappy.Encode(nil, raw)),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("snappy"),
		Metadata: map[string]string{
			"kind":           env.Kind().String(),
			"payload-digest": msg.PayloadDigest,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *ArchiveSink) objectKey(env event.EventEnvelope) string {
	partition := env.Slot - env.Slot%slotsPerPartition
	return fmt.Sprintf("%s%s/%012d/%012d-%s-%d.json.sz",
		s.prefix, env.Kind(), partition, env.Slot, env.Signature, env.Event.LogIndex)
}
