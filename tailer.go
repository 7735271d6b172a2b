package streamtail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/coder/quartz"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoShards        = errors.New("stream has no shards")
	ErrShardClosed     = errors.New("shard is closed")
	ErrAllShardsClosed = errors.New("all shards are closed")
)

// Tailer polls every shard of one stream and hands each record to the configured Sink.
type Tailer struct {
	id     string
	config *Config
	client *Client
	base   *slog.Logger
	logger *slog.Logger
	clock  quartz.Clock
	ring   *cursorRing
	// pending are batches already read past but not yet emitted, oldest first.
	pending []batch
}

func New(config *Config) *Tailer {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := config.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	id := ulid.Make().String()
	base := logger.With("tailer_id", id, "stream", config.StreamKey())
	return &Tailer{
		id:     id,
		config: config,
		client: NewClient(config),
		base:   base,
		logger: base.With("service", "tailer"),
		clock:  clock,
	}
}

func (t *Tailer) ID() string {
	return t.id
}

// Init resolves the shard list and obtains one cursor per shard.
func (t *Tailer) Init(ctx context.Context) error {
	t.logger.Info("initializing tailer")
	if err := t.config.Validate(); err != nil {
		return err
	}
	shards, err := t.shards(ctx)
	if err != nil {
		return err
	}
	if len(shards) < 1 {
		return ErrNoShards
	}
	cursors := make([]Cursor, 0, len(shards))
	for _, shard := range shards {
		cursor, err := t.client.GetShardIterator(ctx, shard, t.config.StartPosition)
		if err != nil {
			return fmt.Errorf("shard %s: %w", aws.ToString(shard.ShardId), err)
		}
		if cursor.Closed() {
			t.logger.Warn("shard returned no iterator, skipping", "shard_id", cursor.ShardID)
			continue
		}
		cursors = append(cursors, cursor)
	}
	if len(cursors) < 1 {
		return ErrAllShardsClosed
	}
	t.ring = newCursorRing(cursors)
	t.logger.Info("cursors acquired", "count", len(cursors), "start", t.config.StartPosition)
	return nil
}

func (t *Tailer) shards(ctx context.Context) ([]types.Shard, error) {
	if len(t.config.ShardIDs) == 0 {
		return t.client.DescribeShards(ctx)
	}
	shards := make([]types.Shard, len(t.config.ShardIDs))
	for i, id := range t.config.ShardIDs {
		shards[i] = types.Shard{ShardId: aws.String(id)}
	}
	return shards, nil
}

// Run polls until ctx is cancelled, returning nil in that case. It stops early with an
// error when a service call or the sink fails, or when no open shard is left.
func (t *Tailer) Run(ctx context.Context) error {
	if t.ring == nil {
		if err := t.Init(ctx); err != nil {
			return err
		}
	}
	if err := t.flushPending(ctx); err != nil {
		t.logger.Error("tailer stopped", "error", err)
		return err
	}
	if t.config.Parallel {
		return t.runParallel(ctx)
	}
	t.logger.Info("starting loop", "shards", t.ring.Len(), "pacing", t.config.Pacing, "budget", t.config.Budget)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("context is done")
			return nil
		default:
		}
		if err := t.step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Error("tailer stopped", "error", err)
			return err
		}
		if t.ring.Len() == 0 {
			t.logger.Warn("no open shards left")
			return ErrAllShardsClosed
		}
		delay := t.config.Pacing.Delay(t.config.Budget, t.ring.Len())
		if err := pause(ctx, t.clock, delay, "tailer", "pace"); err != nil {
			t.logger.Info("context is done")
			return nil
		}
	}
}

// step runs one round robin iteration: pop, fetch, push the successor, emit.
func (t *Tailer) step(ctx context.Context) error {
	cursor, ok := t.ring.Pop()
	if !ok {
		return ErrAllShardsClosed
	}
	records, next, err := t.client.FetchRecords(ctx, cursor, t.config.Limit)
	if err != nil {
		t.ring.Restore(cursor)
		return fmt.Errorf("fetch records from shard %s: %w", cursor.ShardID, err)
	}
	var closedErr error
	if next.Closed() {
		t.logger.Info("shard closed", "shard_id", cursor.ShardID, "policy", t.config.ClosedShards)
		if t.config.ClosedShards == ClosedShardError {
			closedErr = fmt.Errorf("shard %s: %w", cursor.ShardID, ErrShardClosed)
		}
	} else {
		t.ring.Push(next)
	}
	if err := t.emit(ctx, cursor.ShardID, records); err != nil {
		return err
	}
	return closedErr
}

// flushPending emits batches left over from a cancelled parallel run before any
// newer record of the same shard is fetched.
func (t *Tailer) flushPending(ctx context.Context) error {
	for len(t.pending) > 0 {
		b := t.pending[0]
		if err := t.emit(ctx, b.shardID, b.records); err != nil {
			return err
		}
		t.pending = t.pending[1:]
	}
	return nil
}

func (t *Tailer) emit(ctx context.Context, shardID string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	cx := LoggerWithContext(ctx, t.logger.With("shard_id", shardID))
	cx = ShardIDWithContext(cx, shardID)
	for _, record := range records {
		if err := t.config.Sink.Emit(cx, record); err != nil {
			return fmt.Errorf("emit record %s from shard %s: %w", record.SequenceNumber, shardID, err)
		}
	}
	return nil
}

// runParallel gives each shard its own actor and funnels their batches through one
// emitter, so per-shard order is kept while shards are read concurrently.
func (t *Tailer) runParallel(ctx context.Context) error {
	cursors := t.ring.Snapshot()
	t.logger.Info("starting actors", "shards", len(cursors), "budget", t.config.Budget)

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan batch, len(cursors))
	actors := make([]*Actor, len(cursors))
	var working sync.WaitGroup
	for i, cursor := range cursors {
		a := &Actor{
			cursor:       cursor,
			client:       t.client,
			logger:       t.base.With("service", "actor", "shard_id", cursor.ShardID),
			clock:        t.clock,
			limit:        t.config.Limit,
			interval:     t.config.Budget,
			closedShards: t.config.ClosedShards,
		}
		actors[i] = a
		working.Add(1)
		g.Go(func() error {
			defer working.Done()
			return a.Work(gctx, batches)
		})
	}
	g.Go(func() error {
		working.Wait()
		close(batches)
		return nil
	})
	g.Go(func() error {
		for b := range batches {
			if err := t.emit(gctx, b.shardID, b.records); err != nil {
				return err
			}
		}
		return nil
	})
	err := g.Wait()

	// batches still queued when the emitter stopped come before anything an actor
	// held back, since the actor read those later.
	for b := range batches {
		t.pending = append(t.pending, b)
	}
	open := make([]Cursor, 0, len(actors))
	for _, a := range actors {
		if len(a.pending) > 0 {
			t.pending = append(t.pending, batch{shardID: a.cursor.ShardID, records: a.pending})
		}
		if !a.cursor.Closed() {
			open = append(open, a.cursor)
		}
	}
	t.ring = newCursorRing(open)
	if len(t.pending) > 0 {
		t.logger.Info("batches held for the next run", "batches", len(t.pending))
	}

	if err != nil {
		t.logger.Error("tailer stopped", "error", err)
		return err
	}
	if ctx.Err() != nil {
		t.logger.Info("context is done")
		return nil
	}
	t.logger.Warn("no open shards left")
	return ErrAllShardsClosed
}
