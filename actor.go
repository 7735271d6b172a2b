package streamtail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
)

type batch struct {
	shardID string
	records []Record
}

// Actor owns a single shard in parallel mode and paces its own reads.
type Actor struct {
	cursor       Cursor
	client       *Client
	logger       *slog.Logger
	clock        quartz.Clock
	limit        int32
	interval     time.Duration
	closedShards ClosedShardPolicy
	// pending holds a fetched batch that ctx cancelled before it reached out.
	pending []Record
}

// Work fetches until ctx is done or the shard closes, sending non-empty batches to out.
func (a *Actor) Work(ctx context.Context, out chan<- batch) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			records, next, err := a.client.FetchRecords(ctx, a.cursor, a.limit)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.Error("error fetching records", "error", err, "limit", a.limit)
				return fmt.Errorf("fetch records from shard %s: %w", a.cursor.ShardID, err)
			}
			a.cursor = next
			if len(records) > 0 {
				select {
				case out <- batch{shardID: next.ShardID, records: records}:
				case <-ctx.Done():
					a.pending = records
					return nil
				}
			}
			if next.Closed() {
				a.logger.Info("shard closed", "policy", a.closedShards)
				if a.closedShards == ClosedShardError {
					return fmt.Errorf("shard %s: %w", next.ShardID, ErrShardClosed)
				}
				return nil
			}
			if err := pause(ctx, a.clock, a.interval, "actor", "pace"); err != nil {
				return nil
			}
		}
	}
}
