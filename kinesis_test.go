package streamtail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/mock"

	"github.com/binarymatt/streamtail/mocks"
)

func TestDescribeShards(t *testing.T) {
	ctx := context.Background()

	must.True(t, t.Run("paginated", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc)))
		kc.EXPECT().DescribeStream(ctx, &kinesis.DescribeStreamInput{
			StreamName: aws.String("stream"),
		}).Return(&kinesis.DescribeStreamOutput{
			StreamDescription: &types.StreamDescription{
				StreamStatus:  types.StreamStatusActive,
				HasMoreShards: aws.Bool(true),
				Shards: []types.Shard{
					{ShardId: aws.String("shard1")},
					{ShardId: aws.String("shard2")},
				},
			},
		}, nil).Once()
		kc.EXPECT().DescribeStream(ctx, &kinesis.DescribeStreamInput{
			StreamName:            aws.String("stream"),
			ExclusiveStartShardId: aws.String("shard2"),
		}).Return(&kinesis.DescribeStreamOutput{
			StreamDescription: &types.StreamDescription{
				StreamStatus:  types.StreamStatusActive,
				HasMoreShards: aws.Bool(false),
				Shards: []types.Shard{
					{ShardId: aws.String("shard3")},
				},
			},
		}, nil).Once()

		shards, err := c.DescribeShards(ctx)
		must.NoError(t, err)
		must.Len(t, 3, shards)
		must.Eq(t, "shard1", *shards[0].ShardId)
		must.Eq(t, "shard2", *shards[1].ShardId)
		must.Eq(t, "shard3", *shards[2].ShardId)
	}))
	must.True(t, t.Run("by arn", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc), WithStreamARN("arn")))
		kc.EXPECT().DescribeStream(ctx, &kinesis.DescribeStreamInput{
			StreamARN: aws.String("arn"),
		}).Return(&kinesis.DescribeStreamOutput{
			StreamDescription: &types.StreamDescription{
				StreamStatus: types.StreamStatusUpdating,
				Shards:       []types.Shard{{ShardId: aws.String("shard1")}},
			},
		}, nil).Once()

		shards, err := c.DescribeShards(ctx)
		must.NoError(t, err)
		must.Len(t, 1, shards)
	}))
	must.True(t, t.Run("stream creating", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc)))
		kc.EXPECT().DescribeStream(ctx, mock.Anything).Return(&kinesis.DescribeStreamOutput{
			StreamDescription: &types.StreamDescription{
				StreamStatus: types.StreamStatusCreating,
			},
		}, nil).Once()

		shards, err := c.DescribeShards(ctx)
		must.Nil(t, shards)
		must.ErrorIs(t, err, ErrStreamNotAvailable)
	}))
	must.True(t, t.Run("kinesis error", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc)))
		notFound := &types.ResourceNotFoundException{Message: aws.String("stream not found")}
		kc.EXPECT().DescribeStream(ctx, mock.Anything).Return(nil, notFound).Once()

		shards, err := c.DescribeShards(ctx)
		must.Nil(t, shards)
		var rnf *types.ResourceNotFoundException
		must.True(t, errors.As(err, &rnf))
	}))
}

func TestGetShardIterator(t *testing.T) {
	ctx := context.Background()
	shard := types.Shard{
		ShardId: aws.String("shardID"),
		SequenceNumberRange: &types.SequenceNumberRange{
			StartingSequenceNumber: aws.String("100"),
		},
	}
	cases := []struct {
		name     string
		position StartPosition
		input    *kinesis.GetShardIteratorInput
	}{
		{
			name:     "latest",
			position: StartLatest,
			input: &kinesis.GetShardIteratorInput{
				StreamName:        aws.String("stream"),
				ShardId:           aws.String("shardID"),
				ShardIteratorType: types.ShardIteratorTypeLatest,
			},
		},
		{
			name:     "trim horizon",
			position: StartTrimHorizon,
			input: &kinesis.GetShardIteratorInput{
				StreamName:        aws.String("stream"),
				ShardId:           aws.String("shardID"),
				ShardIteratorType: types.ShardIteratorTypeTrimHorizon,
			},
		},
		{
			name:     "shard start",
			position: StartShardStart,
			input: &kinesis.GetShardIteratorInput{
				StreamName:             aws.String("stream"),
				ShardId:                aws.String("shardID"),
				ShardIteratorType:      types.ShardIteratorTypeAtSequenceNumber,
				StartingSequenceNumber: aws.String("100"),
			},
		},
	}
	for _, tc := range cases {
		must.True(t, t.Run(tc.name, func(t *testing.T) {
			kc := mocks.NewKinesisAPI(t)
			c := NewClient(testConfig(WithKinesisClient(kc)))
			kc.EXPECT().GetShardIterator(ctx, tc.input).Return(&kinesis.GetShardIteratorOutput{
				ShardIterator: aws.String("iterator"),
			}, nil).Once()

			cursor, err := c.GetShardIterator(ctx, shard, tc.position)
			must.NoError(t, err)
			must.Eq(t, Cursor{ShardID: "shardID", Iterator: "iterator"}, cursor)
		}))
	}

	must.True(t, t.Run("shard start without range", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc)))
		_, err := c.GetShardIterator(ctx, types.Shard{ShardId: aws.String("shardID")}, StartShardStart)
		must.ErrorIs(t, err, ErrInvalidConfiguration)
	}))
	must.True(t, t.Run("kinesis error", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc)))
		oops := errors.New("oops")
		kc.EXPECT().GetShardIterator(ctx, mock.Anything).Return(nil, oops).Once()

		cursor, err := c.GetShardIterator(ctx, shard, StartLatest)
		must.ErrorIs(t, err, oops)
		must.Eq(t, Cursor{}, cursor)
	}))
}

func TestFetchRecords(t *testing.T) {
	ctx := context.Background()
	arrival := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	must.True(t, t.Run("records and next cursor", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc)))
		kc.EXPECT().GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: aws.String("iterator"),
			Limit:         aws.Int32(500),
		}).Return(&kinesis.GetRecordsOutput{
			Records: []types.Record{
				{
					SequenceNumber:              aws.String("1"),
					PartitionKey:                aws.String("key"),
					Data:                        []byte(`{"test":"json"}`),
					ApproximateArrivalTimestamp: &arrival,
				},
				{
					SequenceNumber: aws.String("2"),
					PartitionKey:   aws.String("key"),
					Data:           []byte("plain"),
				},
			},
			NextShardIterator:  aws.String("iterator2"),
			MillisBehindLatest: aws.Int64(0),
		}, nil).Once()

		records, next, err := c.FetchRecords(ctx, Cursor{ShardID: "shardID", Iterator: "iterator"}, 500)
		must.NoError(t, err)
		must.Eq(t, []Record{
			{ShardID: "shardID", SequenceNumber: "1", PartitionKey: "key", Data: []byte(`{"test":"json"}`), ArrivalTime: arrival},
			{ShardID: "shardID", SequenceNumber: "2", PartitionKey: "key", Data: []byte("plain")},
		}, records)
		must.Eq(t, Cursor{ShardID: "shardID", Iterator: "iterator2"}, next)
		must.False(t, next.Closed())
	}))
	must.True(t, t.Run("closed shard", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc), WithStreamARN("arn")))
		kc.EXPECT().GetRecords(ctx, &kinesis.GetRecordsInput{
			StreamARN:     aws.String("arn"),
			ShardIterator: aws.String("last"),
			Limit:         aws.Int32(10),
		}).Return(&kinesis.GetRecordsOutput{}, nil).Once()

		records, next, err := c.FetchRecords(ctx, Cursor{ShardID: "shardID", Iterator: "last"}, 10)
		must.NoError(t, err)
		must.SliceEmpty(t, records)
		must.True(t, next.Closed())
		must.Eq(t, "shardID", next.ShardID)
	}))
	must.True(t, t.Run("throttled", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc)))
		throttled := &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}
		kc.EXPECT().GetRecords(ctx, mock.Anything).Return(nil, throttled).Once()

		cursor := Cursor{ShardID: "shardID", Iterator: "iterator"}
		records, next, err := c.FetchRecords(ctx, cursor, 500)
		must.Nil(t, records)
		must.Eq(t, cursor, next)
		var pte *types.ProvisionedThroughputExceededException
		must.True(t, errors.As(err, &pte))
	}))
}

func TestPutRecords(t *testing.T) {
	ctx := context.Background()

	must.True(t, t.Run("retries failed entries", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc)))
		kc.EXPECT().PutRecords(ctx, &kinesis.PutRecordsInput{
			StreamName: aws.String("stream"),
			Records: []types.PutRecordsRequestEntry{
				{PartitionKey: aws.String("a"), Data: []byte("one")},
				{PartitionKey: aws.String("b"), Data: []byte("two")},
				{PartitionKey: aws.String("c"), Data: []byte("three")},
			},
		}).Return(&kinesis.PutRecordsOutput{
			FailedRecordCount: aws.Int32(1),
			Records: []types.PutRecordsResultEntry{
				{SequenceNumber: aws.String("1")},
				{ErrorCode: aws.String("ProvisionedThroughputExceededException")},
				{SequenceNumber: aws.String("2")},
			},
		}, nil).Once()
		kc.EXPECT().PutRecords(ctx, &kinesis.PutRecordsInput{
			StreamName: aws.String("stream"),
			Records: []types.PutRecordsRequestEntry{
				{PartitionKey: aws.String("b"), Data: []byte("two")},
			},
		}).Return(&kinesis.PutRecordsOutput{FailedRecordCount: aws.Int32(0)}, nil).Once()

		err := c.PutRecords(ctx, []PutEntry{
			{PartitionKey: "a", Data: []byte("one")},
			{PartitionKey: "b", Data: []byte("two")},
			{PartitionKey: "c", Data: []byte("three")},
		})
		must.NoError(t, err)
	}))
	must.True(t, t.Run("attempts exhausted", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc), WithMaxPutAttempts(2)))
		kc.EXPECT().PutRecords(ctx, mock.Anything).Return(&kinesis.PutRecordsOutput{
			FailedRecordCount: aws.Int32(1),
			Records: []types.PutRecordsResultEntry{
				{ErrorCode: aws.String("InternalFailure")},
			},
		}, nil).Times(2)

		err := c.PutRecords(ctx, []PutEntry{{PartitionKey: "a", Data: []byte("one")}})
		must.ErrorIs(t, err, ErrPutRecordsFailed)
	}))
	must.True(t, t.Run("failed count without error codes", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc)))
		kc.EXPECT().PutRecords(ctx, mock.Anything).Return(&kinesis.PutRecordsOutput{
			FailedRecordCount: aws.Int32(2),
			Records: []types.PutRecordsResultEntry{
				{ErrorCode: aws.String("InternalFailure")},
			},
		}, nil).Once()

		err := c.PutRecords(ctx, []PutEntry{
			{PartitionKey: "a", Data: []byte("one")},
			{PartitionKey: "b", Data: []byte("two")},
		})
		must.ErrorIs(t, err, ErrPutRecordsFailed)
	}))
	must.True(t, t.Run("batches and generated keys", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc)))
		var sizes []int
		kc.EXPECT().PutRecords(ctx, mock.Anything).RunAndReturn(
			func(_ context.Context, in *kinesis.PutRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error) {
				sizes = append(sizes, len(in.Records))
				for _, entry := range in.Records {
					must.NotEq(t, "", aws.ToString(entry.PartitionKey))
				}
				return &kinesis.PutRecordsOutput{}, nil
			},
		).Times(2)

		entries := make([]PutEntry, MaxPutBatchSize+1)
		for i := range entries {
			entries[i] = PutEntry{Data: []byte("payload")}
		}
		must.NoError(t, c.PutRecords(ctx, entries))
		must.Eq(t, []int{MaxPutBatchSize, 1}, sizes)
	}))
	must.True(t, t.Run("kinesis error", func(t *testing.T) {
		kc := mocks.NewKinesisAPI(t)
		c := NewClient(testConfig(WithKinesisClient(kc)))
		oops := errors.New("oops")
		kc.EXPECT().PutRecords(ctx, mock.Anything).Return(nil, oops).Once()

		err := c.PutRecords(ctx, []PutEntry{{PartitionKey: "a", Data: []byte("one")}})
		must.ErrorIs(t, err, oops)
	}))
}
