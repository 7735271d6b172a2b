package streamtail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/oklog/ulid/v2"
)

var (
	ErrStreamNotAvailable = errors.New("stream status is either creating or deleting")
	ErrPutRecordsFailed   = errors.New("records failed to put")
)

type KinesisAPI interface {
	DescribeStream(ctx context.Context, params *kinesis.DescribeStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
}

// Cursor is a single-use read position within one shard.
type Cursor struct {
	ShardID  string
	Iterator string
}

// Closed reports whether the service returned no next iterator, which only happens
// once a shard has been closed by a split or merge and fully read.
func (c Cursor) Closed() bool {
	return c.Iterator == ""
}

type Record struct {
	ShardID        string
	SequenceNumber string
	PartitionKey   string
	Data           []byte
	ArrivalTime    time.Time
}

// Client wraps the kinesis calls the tailer and producer need.
type Client struct {
	config *Config
	logger *slog.Logger
}

func NewClient(config *Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config: config,
		logger: logger.With("stream", config.StreamKey()),
	}
}

func (c *Client) streamInput() (name, arn *string) {
	if c.config.StreamARN != "" {
		return nil, aws.String(c.config.StreamARN)
	}
	return aws.String(c.config.StreamName), nil
}

// DescribeShards lists every shard of the stream in the order the service returns them.
func (c *Client) DescribeShards(ctx context.Context) ([]types.Shard, error) {
	kc := c.config.KinesisClient
	name, arn := c.streamInput()
	var (
		shards     []types.Shard
		startShard *string
	)
	for {
		out, err := kc.DescribeStream(ctx, &kinesis.DescribeStreamInput{
			StreamName:            name,
			StreamARN:             arn,
			ExclusiveStartShardId: startShard,
		})
		if err != nil {
			c.logger.Error("error describing stream", "error", err)
			return nil, err
		}
		desc := out.StreamDescription
		if desc == nil {
			return shards, nil
		}
		if desc.StreamStatus == types.StreamStatusCreating || desc.StreamStatus == types.StreamStatusDeleting {
			return nil, ErrStreamNotAvailable
		}
		shards = append(shards, desc.Shards...)
		if desc.HasMoreShards == nil || !*desc.HasMoreShards || len(desc.Shards) == 0 {
			break
		}
		startShard = desc.Shards[len(desc.Shards)-1].ShardId
	}
	c.logger.Debug("described shards", "count", len(shards))
	return shards, nil
}

// GetShardIterator obtains the first cursor for a shard.
func (c *Client) GetShardIterator(ctx context.Context, shard types.Shard, position StartPosition) (Cursor, error) {
	kc := c.config.KinesisClient
	shardID := aws.ToString(shard.ShardId)
	name, arn := c.streamInput()
	input := &kinesis.GetShardIteratorInput{
		StreamName: name,
		StreamARN:  arn,
		ShardId:    shard.ShardId,
	}
	switch position {
	case StartTrimHorizon:
		input.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	case StartShardStart:
		if shard.SequenceNumberRange == nil || shard.SequenceNumberRange.StartingSequenceNumber == nil {
			return Cursor{}, fmt.Errorf("shard %s has no starting sequence number: %w", shardID, ErrInvalidConfiguration)
		}
		input.ShardIteratorType = types.ShardIteratorTypeAtSequenceNumber
		input.StartingSequenceNumber = shard.SequenceNumberRange.StartingSequenceNumber
	default:
		input.ShardIteratorType = types.ShardIteratorTypeLatest
	}
	c.logger.Debug("getting shard iterator", "shard_id", shardID, "type", input.ShardIteratorType)
	out, err := kc.GetShardIterator(ctx, input)
	if err != nil {
		c.logger.Error("error getting shard iterator", "shard_id", shardID, "error", err)
		return Cursor{}, err
	}
	return Cursor{ShardID: shardID, Iterator: aws.ToString(out.ShardIterator)}, nil
}

// FetchRecords reads up to limit records at cursor and returns them with the cursor's
// successor. The successor is closed when the shard has no more records to give.
func (c *Client) FetchRecords(ctx context.Context, cursor Cursor, limit int32) ([]Record, Cursor, error) {
	kc := c.config.KinesisClient
	input := &kinesis.GetRecordsInput{
		ShardIterator: aws.String(cursor.Iterator),
		Limit:         aws.Int32(limit),
	}
	if c.config.StreamARN != "" {
		input.StreamARN = aws.String(c.config.StreamARN)
	}
	output, err := kc.GetRecords(ctx, input)
	if err != nil {
		return nil, cursor, err
	}
	records := make([]Record, len(output.Records))
	for i, kr := range output.Records {
		records[i] = translateRecord(cursor.ShardID, kr)
	}
	next := Cursor{ShardID: cursor.ShardID, Iterator: aws.ToString(output.NextShardIterator)}
	c.logger.Debug("records fetched from stream",
		"shard_id", cursor.ShardID,
		"count", len(records),
		"millis_behind_latest", aws.ToInt64(output.MillisBehindLatest),
	)
	return records, next, nil
}

func translateRecord(shardID string, kr types.Record) Record {
	r := Record{
		ShardID:        shardID,
		SequenceNumber: aws.ToString(kr.SequenceNumber),
		PartitionKey:   aws.ToString(kr.PartitionKey),
		Data:           kr.Data,
	}
	if kr.ApproximateArrivalTimestamp != nil {
		r.ArrivalTime = *kr.ApproximateArrivalTimestamp
	}
	return r
}

// PutEntry is one payload for PutRecords. An empty PartitionKey gets a fresh ULID.
type PutEntry struct {
	PartitionKey string
	Data         []byte
}

// PutRecords writes entries in batches of MaxPutBatchSize, retrying the entries the
// service rejected up to MaxPutAttempts times per batch.
func (c *Client) PutRecords(ctx context.Context, entries []PutEntry) error {
	kc := c.config.KinesisClient
	attempts := c.config.MaxPutAttempts
	if attempts < 1 {
		attempts = 1
	}
	for start := 0; start < len(entries); start += MaxPutBatchSize {
		end := min(start+MaxPutBatchSize, len(entries))
		pending := make([]types.PutRecordsRequestEntry, 0, end-start)
		for _, entry := range entries[start:end] {
			key := entry.PartitionKey
			if key == "" {
				key = ulid.Make().String()
			}
			pending = append(pending, types.PutRecordsRequestEntry{
				PartitionKey: aws.String(key),
				Data:         entry.Data,
			})
		}
		for attempt := 1; len(pending) > 0; attempt++ {
			if attempt > attempts {
				return fmt.Errorf("%d of %d entries after %d attempts: %w", len(pending), end-start, attempts, ErrPutRecordsFailed)
			}
			params := &kinesis.PutRecordsInput{Records: pending}
			params.StreamName, params.StreamARN = c.streamInput()
			out, err := kc.PutRecords(ctx, params)
			if err != nil {
				c.logger.Error("error putting records", "error", err, "count", len(pending))
				return err
			}
			failedCount := int(aws.ToInt32(out.FailedRecordCount))
			if failedCount == 0 {
				break
			}
			var failed []types.PutRecordsRequestEntry
			for i, result := range out.Records {
				if result.ErrorCode != nil && i < len(pending) {
					failed = append(failed, pending[i])
				}
			}
			if len(failed) != failedCount {
				return fmt.Errorf("%d entries reported failed but %d carry an error code: %w", failedCount, len(failed), ErrPutRecordsFailed)
			}
			c.logger.Warn("retrying failed records", "failed", len(failed), "attempt", attempt)
			pending = failed
		}
	}
	c.logger.Debug("records put", "count", len(entries))
	return nil
}
