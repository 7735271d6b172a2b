package streamtail

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/coder/quartz"
)

var (
	ErrInvalidConfiguration = errors.New("invalid streamtail config")
)

const (
	// DefaultLimit is the number of records requested per GetRecords call.
	DefaultLimit int32 = 500
	// MaxLimit is the service maximum for GetRecords.
	MaxLimit int32 = 10000
	// DefaultBudget is the minimum interval between reads of one shard (5 reads/sec/shard).
	DefaultBudget = 200 * time.Millisecond
	// DefaultMaxPutAttempts matches the attempts per record used by the log producer.
	DefaultMaxPutAttempts = 10
	// MaxPutBatchSize is the service maximum for PutRecords.
	MaxPutBatchSize = 500
)

// StartPosition selects where a shard's first cursor points.
type StartPosition int

const (
	StartLatest StartPosition = iota
	StartTrimHorizon
	// StartShardStart positions at the shard's described starting sequence number.
	StartShardStart
)

func (p StartPosition) String() string {
	switch p {
	case StartLatest:
		return "latest"
	case StartTrimHorizon:
		return "trim_horizon"
	case StartShardStart:
		return "shard_start"
	}
	return fmt.Sprintf("StartPosition(%d)", int(p))
}

func ParseStartPosition(s string) (StartPosition, error) {
	switch s {
	case "", "latest", "LATEST":
		return StartLatest, nil
	case "trim_horizon", "TRIM_HORIZON":
		return StartTrimHorizon, nil
	case "shard_start", "AT_SEQUENCE_NUMBER":
		return StartShardStart, nil
	}
	return StartLatest, fmt.Errorf("unknown start position %q: %w", s, ErrInvalidConfiguration)
}

// PacingPolicy decides how long the round robin loop pauses after each fetch.
type PacingPolicy int

const (
	// PacingPerShard divides the budget across the open shards.
	PacingPerShard PacingPolicy = iota
	// PacingFlat pauses for the whole budget regardless of shard count.
	PacingFlat
)

func (p PacingPolicy) String() string {
	switch p {
	case PacingPerShard:
		return "per-shard"
	case PacingFlat:
		return "flat"
	}
	return fmt.Sprintf("PacingPolicy(%d)", int(p))
}

func ParsePacingPolicy(s string) (PacingPolicy, error) {
	switch s {
	case "", "per-shard":
		return PacingPerShard, nil
	case "flat":
		return PacingFlat, nil
	}
	return PacingPerShard, fmt.Errorf("unknown pacing policy %q: %w", s, ErrInvalidConfiguration)
}

// ClosedShardPolicy decides what happens when a fetch returns no next cursor.
type ClosedShardPolicy int

const (
	ClosedShardDrop ClosedShardPolicy = iota
	ClosedShardError
)

func (p ClosedShardPolicy) String() string {
	switch p {
	case ClosedShardDrop:
		return "drop"
	case ClosedShardError:
		return "error"
	}
	return fmt.Sprintf("ClosedShardPolicy(%d)", int(p))
}

func ParseClosedShardPolicy(s string) (ClosedShardPolicy, error) {
	switch s {
	case "", "drop":
		return ClosedShardDrop, nil
	case "error":
		return ClosedShardError, nil
	}
	return ClosedShardDrop, fmt.Errorf("unknown closed shard policy %q: %w", s, ErrInvalidConfiguration)
}

// Config contains the tailer and client settings
type Config struct {
	// required fields
	KinesisClient KinesisAPI
	StreamName    string
	StreamARN     string

	// optional fields
	ShardIDs       []string
	StartPosition  StartPosition
	Limit          int32
	Pacing         PacingPolicy
	Budget         time.Duration
	ClosedShards   ClosedShardPolicy
	Parallel       bool
	Sink           Sink
	Logger         *slog.Logger
	Clock          quartz.Clock
	MaxPutAttempts int
}

type Option func(*Config)

func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		Logger:         slog.Default(),
		Limit:          DefaultLimit,
		Budget:         DefaultBudget,
		Clock:          quartz.NewReal(),
		MaxPutAttempts: DefaultMaxPutAttempts,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Sink == nil {
		cfg.Sink = NewWriterSink(os.Stdout)
	}
	return cfg
}

func WithKinesisClient(client KinesisAPI) Option {
	return func(c *Config) {
		c.KinesisClient = client
	}
}
func WithStreamName(name string) Option {
	return func(c *Config) {
		c.StreamName = name
	}
}
func WithStreamARN(arn string) Option {
	return func(c *Config) {
		c.StreamARN = arn
	}
}

// WithShardIDs pins the tailer to a static list of shards instead of describing the stream.
func WithShardIDs(ids ...string) Option {
	return func(c *Config) {
		c.ShardIDs = ids
	}
}
func WithStartPosition(p StartPosition) Option {
	return func(c *Config) {
		c.StartPosition = p
	}
}
func WithLimit(limit int32) Option {
	return func(c *Config) {
		c.Limit = limit
	}
}
func WithPacing(p PacingPolicy) Option {
	return func(c *Config) {
		c.Pacing = p
	}
}
func WithBudget(d time.Duration) Option {
	return func(c *Config) {
		c.Budget = d
	}
}
func WithClosedShardPolicy(p ClosedShardPolicy) Option {
	return func(c *Config) {
		c.ClosedShards = p
	}
}
func WithParallel(parallel bool) Option {
	return func(c *Config) {
		c.Parallel = parallel
	}
}
func WithSink(s Sink) Option {
	return func(c *Config) {
		c.Sink = s
	}
}

// WithWriter is shorthand for a raw WriterSink on w.
func WithWriter(w io.Writer) Option {
	return func(c *Config) {
		c.Sink = NewWriterSink(w)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func WithClock(clock quartz.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

func WithMaxPutAttempts(n int) Option {
	return func(c *Config) {
		c.MaxPutAttempts = n
	}
}

func (c *Config) Validate() error {
	if c.KinesisClient == nil {
		return fmt.Errorf("kinesis client must be present: %w", ErrInvalidConfiguration)
	}
	if c.StreamName == "" && c.StreamARN == "" {
		return fmt.Errorf("stream name or arn must be present: %w", ErrInvalidConfiguration)
	}
	if c.Limit < 1 || c.Limit > MaxLimit {
		return fmt.Errorf("limit must be between 1 and %d, got %d: %w", MaxLimit, c.Limit, ErrInvalidConfiguration)
	}
	if c.Budget < 0 {
		return fmt.Errorf("budget must not be negative: %w", ErrInvalidConfiguration)
	}
	if c.StartPosition == StartShardStart && len(c.ShardIDs) > 0 {
		return fmt.Errorf("shard_start needs described shards, not a static shard list: %w", ErrInvalidConfiguration)
	}
	seen := make(map[string]struct{}, len(c.ShardIDs))
	for _, id := range c.ShardIDs {
		if id == "" {
			return fmt.Errorf("shard id must not be empty: %w", ErrInvalidConfiguration)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate shard id %s: %w", id, ErrInvalidConfiguration)
		}
		seen[id] = struct{}{}
	}
	if c.Sink == nil {
		return fmt.Errorf("sink must be present: %w", ErrInvalidConfiguration)
	}
	return nil
}

// StreamKey is the identifier used in logs, preferring the ARN.
func (c *Config) StreamKey() string {
	if c.StreamARN != "" {
		return c.StreamARN
	}
	return c.StreamName
}
