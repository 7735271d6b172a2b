package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"

	"github.com/binarymatt/streamtail"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		panic(err)
	}
	cfg := streamtail.NewConfig(
		streamtail.WithKinesisClient(kinesis.NewFromConfig(awsCfg)),
		streamtail.WithStreamARN("arn:aws:kinesis:us-east-1:000000000000:stream/streamtail_stream"),
		streamtail.WithStartPosition(streamtail.StartTrimHorizon),
		streamtail.WithWriter(os.Stdout),
	)
	tailer := streamtail.New(cfg)

	// Init describes the stream and acquires a cursor per shard; Run would do it lazily.
	if err := tailer.Init(ctx); err != nil {
		panic(err)
	}
	if err := tailer.Run(ctx); err != nil {
		slog.Error("tailer stopped", "error", err)
	}
}
