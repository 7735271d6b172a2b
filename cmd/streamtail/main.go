package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/lmittmann/tint"
	"github.com/oklog/run"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/binarymatt/streamtail"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		slog.Error("streamtail failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	globalFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "yaml file with flag values",
		},
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "region",
			Usage:   "aws region",
			EnvVars: []string{"AWS_REGION"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "endpoint",
			Usage:   "override the kinesis endpoint, e.g. http://localhost:4566 for localstack",
			EnvVars: []string{"STREAMTAIL_ENDPOINT"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "debug, info, warn or error",
			EnvVars: []string{"STREAMTAIL_LOG_LEVEL"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:  "max-attempts",
			Value: retry.DefaultMaxAttempts,
			Usage: "attempts per service call, throttling included",
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:  "max-backoff",
			Value: retry.DefaultMaxBackoff,
			Usage: "maximum delay between retried service calls",
		}),
	}
	streamFlags := []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "stream",
			Usage:   "stream name",
			EnvVars: []string{"STREAMTAIL_STREAM"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "stream-arn",
			Usage:   "stream arn, used instead of --stream when set",
			EnvVars: []string{"STREAMTAIL_STREAM_ARN"},
		}),
	}
	tailFlags := append(append([]cli.Flag{}, streamFlags...),
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:  "shard",
			Usage: "shard id to read, repeatable; all shards are described when omitted",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "start",
			Value: "latest",
			Usage: "latest, trim_horizon or shard_start",
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:  "limit",
			Value: int(streamtail.DefaultLimit),
			Usage: "records per fetch",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "pacing",
			Value: "per-shard",
			Usage: "per-shard divides the budget across shards, flat pauses the whole budget",
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:  "budget",
			Value: streamtail.DefaultBudget,
			Usage: "minimum interval between reads of one shard",
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:  "parallel",
			Usage: "read every shard from its own goroutine",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "on-closed",
			Value: "drop",
			Usage: "drop or error when a shard closes",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "format",
			Value: "raw",
			Usage: "raw or logstash",
		}),
	)
	putFlags := append(append([]cli.Flag{}, streamFlags...),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "partition-key",
			Usage: "partition key for every line; a new ulid per line when empty",
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:  "batch-size",
			Value: streamtail.MaxPutBatchSize,
			Usage: "lines buffered per put",
		}),
	)

	return &cli.App{
		Name:   "streamtail",
		Usage:  "print the records of a kinesis stream",
		Flags:  globalFlags,
		Before: setup(globalFlags),
		Commands: []*cli.Command{
			{
				Name:   "tail",
				Usage:  "print records from every shard to stdout",
				Flags:  tailFlags,
				Before: altsrc.InitInputSourceWithContext(tailFlags, altsrc.NewYamlSourceFromFlagFunc("config")),
				Action: tailAction,
			},
			{
				Name:   "put",
				Usage:  "put newline delimited stdin payloads on the stream",
				Flags:  putFlags,
				Before: altsrc.InitInputSourceWithContext(putFlags, altsrc.NewYamlSourceFromFlagFunc("config")),
				Action: putAction,
			},
		},
	}
}

func setup(flags []cli.Flag) cli.BeforeFunc {
	loadConfig := altsrc.InitInputSourceWithContext(flags, altsrc.NewYamlSourceFromFlagFunc("config"))
	return func(cCtx *cli.Context) error {
		if err := loadConfig(cCtx); err != nil {
			return err
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(cCtx.String("log-level"))); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.StampMilli,
		}))
		slog.SetDefault(logger)
		return nil
	}
}

func buildKinesisClient(cCtx *cli.Context) (*kinesis.Client, error) {
	maxAttempts := cCtx.Int("max-attempts")
	maxBackoff := cCtx.Duration("max-backoff")
	opts := []func(*config.LoadOptions) error{
		config.WithRetryer(func() aws.Retryer {
			standard := retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = maxAttempts
			})
			return retry.AddWithMaxBackoffDelay(standard, maxBackoff)
		}),
	}
	if region := cCtx.String("region"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if endpoint := cCtx.String("endpoint"); endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				PartitionID:   "aws",
				URL:           endpoint,
				SigningRegion: region,
			}, nil
		})
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := config.LoadDefaultConfig(cCtx.Context, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return kinesis.NewFromConfig(awsCfg), nil
}

func tailAction(cCtx *cli.Context) error {
	start, err := streamtail.ParseStartPosition(cCtx.String("start"))
	if err != nil {
		return err
	}
	pacing, err := streamtail.ParsePacingPolicy(cCtx.String("pacing"))
	if err != nil {
		return err
	}
	closed, err := streamtail.ParseClosedShardPolicy(cCtx.String("on-closed"))
	if err != nil {
		return err
	}
	sink, err := streamtail.NewFormatSink(cCtx.String("format"), os.Stdout)
	if err != nil {
		return err
	}
	limit := cCtx.Int("limit")
	if limit < 1 || limit > int(streamtail.MaxLimit) {
		return fmt.Errorf("limit must be between 1 and %d, got %d: %w", streamtail.MaxLimit, limit, streamtail.ErrInvalidConfiguration)
	}
	kc, err := buildKinesisClient(cCtx)
	if err != nil {
		return err
	}
	cfg := streamtail.NewConfig(
		streamtail.WithKinesisClient(kc),
		streamtail.WithStreamName(cCtx.String("stream")),
		streamtail.WithStreamARN(cCtx.String("stream-arn")),
		streamtail.WithShardIDs(cCtx.StringSlice("shard")...),
		streamtail.WithStartPosition(start),
		streamtail.WithLimit(int32(limit)),
		streamtail.WithPacing(pacing),
		streamtail.WithBudget(cCtx.Duration("budget")),
		streamtail.WithParallel(cCtx.Bool("parallel")),
		streamtail.WithClosedShardPolicy(closed),
		streamtail.WithSink(sink),
		streamtail.WithLogger(slog.Default()),
	)
	tailer := streamtail.New(cfg)

	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()
	var g run.Group
	g.Add(func() error {
		return tailer.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		slog.Info("shutting down", "signal", sigErr.Signal.String())
		return nil
	}
	return err
}

func putAction(cCtx *cli.Context) error {
	kc, err := buildKinesisClient(cCtx)
	if err != nil {
		return err
	}
	cfg := streamtail.NewConfig(
		streamtail.WithKinesisClient(kc),
		streamtail.WithStreamName(cCtx.String("stream")),
		streamtail.WithStreamARN(cCtx.String("stream-arn")),
		streamtail.WithLogger(slog.Default()),
	)
	if cfg.StreamKey() == "" {
		return fmt.Errorf("stream name or arn must be present: %w", streamtail.ErrInvalidConfiguration)
	}
	client := streamtail.NewClient(cfg)
	batchSize := max(cCtx.Int("batch-size"), 1)
	key := cCtx.String("partition-key")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	entries := make([]streamtail.PutEntry, 0, batchSize)
	total := 0
	for scanner.Scan() {
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())
		entries = append(entries, streamtail.PutEntry{PartitionKey: key, Data: data})
		if len(entries) >= batchSize {
			if err := client.PutRecords(cCtx.Context, entries); err != nil {
				return err
			}
			total += len(entries)
			entries = entries[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(entries) > 0 {
		if err := client.PutRecords(cCtx.Context, entries); err != nil {
			return err
		}
		total += len(entries)
	}
	slog.Info("records put", "count", total, "stream", cfg.StreamKey())
	return nil
}
