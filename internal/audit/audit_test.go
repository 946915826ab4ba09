package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/store/badgerstore"
)

// blockingSink holds every append until release is closed.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []*models.AccessLogEntry
	err     error
}

func (b *blockingSink) AppendAccessLog(ctx context.Context, e *models.AccessLogEntry) error {
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.got = append(b.got, e)
	return nil
}

func (b *blockingSink) ListAccessLog(context.Context, models.AccessLogFilter) ([]models.AccessLogEntry, error) {
	return nil, errors.New("not implemented")
}

func (b *blockingSink) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got)
}

func entry(video string) *models.AccessLogEntry {
	return models.NewAccessLogEntry(video, "consumer", models.AccessStream, true, "", nil)
}

func TestRecordNeverBlocks(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	r := NewRecorder(sink, Options{QueueSize: 2})

	done := make(chan struct{})
	accepted := 0
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if r.Record(entry(fmt.Sprint(i))) {
				accepted++
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	// one entry may be held by the writer, two sit in the queue
	assert.LessOrEqual(t, accepted, 3)
	assert.Equal(t, int64(10-accepted), r.Dropped())

	close(sink.release)
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, accepted, sink.count())
}

func TestCloseDrainsQueue(t *testing.T) {
	sink := &blockingSink{}
	r := NewRecorder(sink, Options{QueueSize: 100})
	for i := 0; i < 50; i++ {
		require.True(t, r.Record(entry("v")))
	}
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 50, sink.count())

	assert.False(t, r.Record(entry("late")), "closed recorders drop")
	require.NoError(t, r.Close(context.Background()), "close is idempotent")
}

func TestCloseHonoursContext(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	defer close(sink.release)
	r := NewRecorder(sink, Options{})
	r.Record(entry("v"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
}

func TestAppendSwallowsFailures(t *testing.T) {
	sink := &blockingSink{err: fmt.Errorf("%w: disk gone", fault.ErrValidation)}
	r := NewRecorder(sink, Options{})
	defer r.Close(context.Background())

	r.Append(context.Background(), entry("v"))
	assert.Equal(t, int64(1), r.Failed())
}

func TestAppendIgnoresCallerCancellation(t *testing.T) {
	sink := &blockingSink{}
	r := NewRecorder(sink, Options{})
	defer r.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Append(ctx, entry("v"))
	assert.Equal(t, 1, sink.count(), "a timed-out request still leaves its audit entry")
}

func TestExportRoundTrip(t *testing.T) {
	st, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		e := models.NewAccessLogEntry("v1", fmt.Sprintf("c%d", i%3), models.AccessKeyPackage, i%2 == 0, "", map[string]any{"owner": i == 0})
		e.Timestamp = e.Timestamp.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, st.AppendAccessLog(ctx, e))
	}
	require.NoError(t, st.AppendAccessLog(ctx, models.NewAccessLogEntry("v2", "c0", models.AccessStream, true, "", nil)))

	for _, plain := range []bool{false, true} {
		t.Run(fmt.Sprintf("plain=%v", plain), func(t *testing.T) {
			var buf bytes.Buffer
			info, err := Export(ctx, st, &buf, ExportConfig{Filter: models.AccessLogFilter{VideoID: "v1"}, Plain: plain})
			require.NoError(t, err)
			assert.Equal(t, 20, info.Entries)
			assert.Equal(t, int64(buf.Len()), info.BytesOut)
			if plain {
				assert.Equal(t, info.BytesIn, info.BytesOut)
			} else {
				assert.Less(t, info.BytesOut, info.BytesIn)
			}

			got, err := ReadExport(&buf)
			require.NoError(t, err)
			require.Len(t, got, 20)
			assert.Equal(t, "v1", got[0].VideoID)
			assert.JSONEq(t, `{"owner":true}`, string(got[0].Detail))
		})
	}
}

func TestReadExportRejectsGarbage(t *testing.T) {
	_, err := ReadExport(bytes.NewBufferString("{not json"))
	assert.ErrorIs(t, err, fault.ErrValidation)
}
