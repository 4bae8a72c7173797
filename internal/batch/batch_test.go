package batch

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/reconcile"
)

// recorder is a Sink that applies batches to a message list like the engine does.
type recorder struct {
	mu      sync.Mutex
	batches [][]reconcile.PartUpdate
	msgs    []models.Message
}

func (r *recorder) sink(batch []reconcile.PartUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	r.msgs = reconcile.ApplyParts(r.msgs, batch, time.Now())
}

func (r *recorder) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) text(messageID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := reconcile.Index(r.msgs, messageID)
	if idx < 0 {
		return ""
	}
	return r.msgs[idx].Text()
}

func delta(partID, messageID, d string) reconcile.PartUpdate {
	return reconcile.PartUpdate{
		Part:  models.Part{ID: partID, MessageID: messageID, SessionID: "S1", Type: models.PartTypeText},
		Delta: d,
	}
}

func TestAdd_CoalescesDeltasIntoOneEntry(t *testing.T) {
	rec := &recorder{}
	b := New(time.Hour, rec.sink)

	b.Add(delta("p1", "a1", "Hi"))
	b.Add(delta("p1", "a1", " there"))
	assert.Equal(t, 1, b.Len())
	assert.True(t, b.Pending())

	b.Flush()
	require.Equal(t, 1, rec.batchCount())
	require.Len(t, rec.batches[0], 1)
	assert.Equal(t, "Hi there", rec.batches[0][0].Delta)
	assert.Equal(t, "Hi there", rec.text("a1"))
	assert.False(t, b.Pending())
	assert.Equal(t, 0, b.Len())
}

func TestAdd_TimerFlushesWithinWindow(t *testing.T) {
	rec := &recorder{}
	b := New(5*time.Millisecond, rec.sink)

	b.Add(delta("p1", "a1", "Hi"))
	b.Add(delta("p1", "a1", " there"))

	require.Eventually(t, func() bool { return rec.text("a1") == "Hi there" }, time.Second, time.Millisecond)
	assert.Equal(t, 1, rec.batchCount(), "one flush per cycle")
	assert.False(t, b.Pending())
}

func TestAdd_ConcatenationIndependentOfBatchBoundaries(t *testing.T) {
	chunks := []string{"The ", "quick ", "brown ", "fox ", "jumps ", "over ", "the ", "lazy ", "dog"}
	want := strings.Join(chunks, "")

	for _, every := range []int{1, 2, 3, 4, len(chunks)} {
		rec := &recorder{}
		b := New(time.Hour, rec.sink)
		for i, c := range chunks {
			b.Add(delta("p1", "a1", c))
			if (i+1)%every == 0 {
				b.Flush()
			}
		}
		b.Flush()
		assert.Equal(t, want, rec.text("a1"), "flush every %d", every)
	}
}

func TestAdd_KeepsFirstArrivalOrderAcrossParts(t *testing.T) {
	rec := &recorder{}
	b := New(time.Hour, rec.sink)

	b.Add(delta("p2", "a1", "b"))
	b.Add(delta("p1", "a1", "a"))
	b.Add(delta("p2", "a1", "b"))
	b.Flush()

	require.Len(t, rec.batches[0], 2)
	assert.Equal(t, "p2", rec.batches[0][0].Part.ID)
	assert.Equal(t, "bb", rec.batches[0][0].Delta)
	assert.Equal(t, "p1", rec.batches[0][1].Part.ID)
}

func TestAdd_FullUpdateReplacesBufferedDelta(t *testing.T) {
	rec := &recorder{}
	b := New(time.Hour, rec.sink)

	b.Add(delta("p1", "a1", "Hi"))
	full := reconcile.PartUpdate{Part: models.Part{ID: "p1", MessageID: "a1", SessionID: "S1", Type: models.PartTypeText, Text: "Hi there"}}
	b.Add(full)
	b.Flush()

	require.Len(t, rec.batches[0], 1)
	assert.Empty(t, rec.batches[0][0].Delta)
	assert.Equal(t, "Hi there", rec.text("a1"))
}

func TestAdd_DeltaAfterBufferedReplacementKeepsReplacedText(t *testing.T) {
	text := func(s string) models.Part {
		return models.Part{ID: "p1", MessageID: "a1", SessionID: "S1", Type: models.PartTypeText, Text: s}
	}
	updates := []reconcile.PartUpdate{
		{Part: text("Hel"), Delta: "Hel"},
		{Part: text("Hello")},
		{Part: text("Hello world"), Delta: " world"},
	}

	direct := reconcile.ApplyParts(nil, updates[:1], time.Now())
	direct = reconcile.ApplyParts(direct, updates[1:2], time.Now())
	direct = reconcile.ApplyParts(direct, updates[2:], time.Now())
	require.Len(t, direct, 1)
	require.Equal(t, "Hello world", direct[0].Text())

	rec := &recorder{}
	b := New(time.Hour, rec.sink)
	b.Add(updates[0])
	b.Flush()
	b.Add(updates[1])
	b.Add(updates[2])
	b.Flush()

	require.Len(t, rec.batches[1], 1)
	assert.Empty(t, rec.batches[1][0].Delta, "stays a replacement")
	assert.Equal(t, "Hello world", rec.text("a1"))
}

func TestAdd_ToolUpdatesReplace(t *testing.T) {
	rec := &recorder{}
	b := New(time.Hour, rec.sink)

	tool := models.Part{ID: "t1", MessageID: "a1", SessionID: "S1", Type: models.PartTypeTool, State: &models.ToolState{Status: models.ToolStatusPending}}
	b.Add(reconcile.PartUpdate{Part: tool})
	tool.State = &models.ToolState{Status: models.ToolStatusRunning}
	b.Add(reconcile.PartUpdate{Part: tool})
	b.Flush()

	require.Len(t, rec.batches[0], 1)
	assert.Equal(t, models.ToolStatusRunning, rec.batches[0][0].Part.State.Status)
}

func TestFlush_EmptyDoesNotCallSink(t *testing.T) {
	rec := &recorder{}
	b := New(time.Hour, rec.sink)
	b.Flush()
	assert.Equal(t, 0, rec.batchCount())
}

func TestAdd_DuringFlushArmsNextCycle(t *testing.T) {
	var (
		mu    sync.Mutex
		seen  []string
		first = true
	)
	var b *Batcher
	b = New(2*time.Millisecond, func(batch []reconcile.PartUpdate) {
		mu.Lock()
		for _, u := range batch {
			seen = append(seen, u.Delta)
		}
		again := first
		first = false
		mu.Unlock()
		if again {
			b.Add(delta("p1", "a1", "late"))
		}
	})

	b.Add(delta("p1", "a1", "early"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"early", "late"}, seen)
}

func TestStop_FlushesAndAppliesLaterUpdatesImmediately(t *testing.T) {
	rec := &recorder{}
	b := New(time.Hour, rec.sink)

	b.Add(delta("p1", "a1", "Hi"))
	b.Stop()
	assert.Equal(t, "Hi", rec.text("a1"))

	b.Add(delta("p1", "a1", "!"))
	assert.Equal(t, "Hi!", rec.text("a1"))
	assert.False(t, b.Pending())
}
