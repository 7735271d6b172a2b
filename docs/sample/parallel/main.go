package main

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"

	"github.com/binarymatt/streamtail"
)

func processor(ctx context.Context, record streamtail.Record) error {
	streamtail.LoggerFromContext(ctx).Info("processing record", "sequence", record.SequenceNumber, "size", len(record.Data))
	return nil
}

func main() {
	awsCfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		panic(err)
	}
	cfg := streamtail.NewConfig(
		streamtail.WithKinesisClient(kinesis.NewFromConfig(awsCfg)),
		streamtail.WithStreamName("streamtail_stream"),
		streamtail.WithParallel(true),
		streamtail.WithClosedShardPolicy(streamtail.ClosedShardError),
		streamtail.WithSink(streamtail.SinkFunc(processor)),
	)
	tailer := streamtail.New(cfg)
	if err := tailer.Run(context.Background()); err != nil {
		slog.Error("tailer stopped", "error", err, "tailer_id", tailer.ID())
	}
}
