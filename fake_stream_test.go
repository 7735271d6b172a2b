package streamtail

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

type fetchCall struct {
	shardID  string
	iterator string
	at       time.Time
}

// fakeStream serves scripted batches per shard. Iterators look like "<shard>/<n>",
// where n is the number of fetches already served for the shard.
type fakeStream struct {
	mu         sync.Mutex
	shardIDs   []string
	batches    map[string][][]string
	closeAfter map[string]int
	failures   map[string]error
	issued     map[string]string
	fetches    []fetchCall
	misuse     []string
	describes  int
	onFetch    func(total int)
}

var _ KinesisAPI = (*fakeStream)(nil)

func newFakeStream(shardIDs ...string) *fakeStream {
	return &fakeStream{
		shardIDs:   shardIDs,
		batches:    map[string][][]string{},
		closeAfter: map[string]int{},
		failures:   map[string]error{},
		issued:     map[string]string{},
	}
}

// stopAfter cancels once the k-th GetRecords call has been served.
func (f *fakeStream) stopAfter(k int, cancel context.CancelFunc) {
	f.onFetch = func(total int) {
		if total >= k {
			cancel()
		}
	}
}

func (f *fakeStream) DescribeStream(_ context.Context, _ *kinesis.DescribeStreamInput, _ ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describes++
	shards := make([]types.Shard, len(f.shardIDs))
	for i, id := range f.shardIDs {
		shards[i] = types.Shard{ShardId: aws.String(id)}
	}
	return &kinesis.DescribeStreamOutput{
		StreamDescription: &types.StreamDescription{
			StreamStatus:  types.StreamStatusActive,
			HasMoreShards: aws.Bool(false),
			Shards:        shards,
		},
	}, nil
}

func (f *fakeStream) GetShardIterator(_ context.Context, in *kinesis.GetShardIteratorInput, _ ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.ShardId)
	it := id + "/0"
	f.issued[id] = it
	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String(it)}, nil
}

func (f *fakeStream) GetRecords(_ context.Context, in *kinesis.GetRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error) {
	f.mu.Lock()
	it := aws.ToString(in.ShardIterator)
	id, seq, _ := strings.Cut(it, "/")
	n, _ := strconv.Atoi(seq)
	f.fetches = append(f.fetches, fetchCall{shardID: id, iterator: it, at: time.Now()})
	total := len(f.fetches)
	if f.issued[id] != it {
		f.misuse = append(f.misuse, it)
	}
	f.issued[id] = ""

	var out *kinesis.GetRecordsOutput
	err, failed := f.failures[id]
	if failed {
		// a failed call does not consume the iterator
		delete(f.failures, id)
		f.issued[id] = it
	} else {
		out = &kinesis.GetRecordsOutput{MillisBehindLatest: aws.Int64(0)}
		if n < len(f.batches[id]) {
			for j, payload := range f.batches[id][n] {
				out.Records = append(out.Records, types.Record{
					SequenceNumber: aws.String(fmt.Sprintf("%d-%d", n, j)),
					PartitionKey:   aws.String("key"),
					Data:           []byte(payload),
				})
			}
		}
		if limit := f.closeAfter[id]; limit == 0 || n+1 < limit {
			next := fmt.Sprintf("%s/%d", id, n+1)
			f.issued[id] = next
			out.NextShardIterator = aws.String(next)
		}
	}
	onFetch := f.onFetch
	f.mu.Unlock()

	if onFetch != nil {
		onFetch(total)
	}
	return out, err
}

func (f *fakeStream) PutRecords(_ context.Context, _ *kinesis.PutRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error) {
	return &kinesis.PutRecordsOutput{}, nil
}

func (f *fakeStream) counts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, call := range f.fetches {
		out[call.shardID]++
	}
	return out
}

func (f *fakeStream) fetchesFor(shardID string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, call := range f.fetches {
		if call.shardID == shardID {
			out = append(out, call)
		}
	}
	return out
}

func (f *fakeStream) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func (f *fakeStream) misused() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.misuse...)
}

// recordingSink keeps every emitted record and notes records whose context carries
// the wrong shard id.
type recordingSink struct {
	mu       sync.Mutex
	records  []Record
	mismatch []string
}

func (s *recordingSink) Emit(ctx context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ShardIDFromContext(ctx) != record.ShardID {
		s.mismatch = append(s.mismatch, record.ShardID)
	}
	s.records = append(s.records, record)
	return nil
}

func (s *recordingSink) payloads(shardID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.records {
		if r.ShardID == shardID {
			out = append(out, string(r.Data))
		}
	}
	return out
}

// gatedSink blocks its first Emit until release is closed.
type gatedSink struct {
	recordingSink
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedSink() *gatedSink {
	return &gatedSink{started: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedSink) Emit(ctx context.Context, record Record) error {
	s.once.Do(func() {
		close(s.started)
		<-s.release
	})
	return s.recordingSink.Emit(ctx, record)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}
