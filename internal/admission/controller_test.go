package admission_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lukeus/my-context-kit-sub013/internal/admission"
)

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) dispatch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newTestController(t *testing.T, limit int) (*admission.Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	return admission.NewController(limit, rec.dispatch), rec
}

func TestQueueFairness(t *testing.T) {
	c, rec := newTestController(t, 3)

	for _, id := range []string{"A", "B", "C"} {
		pos, dispatched := c.Submit(id)
		assert.True(t, dispatched, id)
		assert.Equal(t, 0, pos)
	}
	pos, dispatched := c.Submit("D")
	assert.False(t, dispatched)
	assert.Equal(t, 1, pos)

	assert.Equal(t, "D", c.Release("A"))

	pos, _ = c.Submit("E")
	assert.Equal(t, 1, pos)
	assert.Equal(t, []string{"A", "B", "C", "D"}, rec.list())

	assert.Equal(t, "E", c.Release("B"))
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, rec.list())
}

func TestPositionsRecomputedAsQueueDrains(t *testing.T) {
	c, _ := newTestController(t, 1)
	c.Submit("run")
	c.Submit("q1")
	c.Submit("q2")
	c.Submit("q3")

	assert.Equal(t, 3, c.Position("q3"))
	c.Release("run")
	assert.Equal(t, 0, c.Position("q1"))
	assert.True(t, c.Running("q1"))
	assert.Equal(t, 1, c.Position("q2"))
	assert.Equal(t, 2, c.Position("q3"))
}

func TestRemoveQueuedPreventsPhantomPromotion(t *testing.T) {
	c, rec := newTestController(t, 1)
	c.Submit("run")
	c.Submit("cancelled")
	c.Submit("next")

	assert.True(t, c.Remove("cancelled"))
	assert.False(t, c.Remove("cancelled"))

	assert.Equal(t, "next", c.Release("run"))
	assert.Equal(t, []string{"run", "next"}, rec.list())
}

func TestReleaseOfQueuedIDRemovesIt(t *testing.T) {
	c, _ := newTestController(t, 1)
	c.Submit("run")
	c.Submit("queued")

	assert.Equal(t, "", c.Release("queued"))
	st := c.Stats()
	assert.Equal(t, 1, st.Executing)
	assert.Equal(t, 0, st.Queued)
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	c, _ := newTestController(t, 2)
	c.Submit("a")
	assert.Equal(t, "", c.Release("ghost"))
	assert.Equal(t, 1, c.Stats().Executing)
}

func TestDuplicateSubmit(t *testing.T) {
	c, rec := newTestController(t, 1)
	c.Submit("a")
	c.Submit("b")

	_, dispatched := c.Submit("a")
	assert.False(t, dispatched)
	pos, _ := c.Submit("b")
	assert.Equal(t, 1, pos)
	assert.Equal(t, []string{"a"}, rec.list())
	assert.Equal(t, 1, c.Stats().Queued)
}

func TestBurstNeverExceedsLimit(t *testing.T) {
	const limit = 3
	var executing, peak atomic.Int32
	var c *admission.Controller
	var done sync.WaitGroup
	done.Add(100)

	c = admission.NewController(limit, func(id string) {
		n := executing.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		go func() {
			executing.Add(-1)
			c.Release(id)
			done.Done()
		}()
	})

	var start sync.WaitGroup
	start.Add(1)
	var submitters sync.WaitGroup
	for i := 0; i < 100; i++ {
		submitters.Add(1)
		go func(i int) {
			defer submitters.Done()
			start.Wait()
			c.Submit(fmt.Sprintf("inv-%d", i))
			st := c.Stats()
			assert.LessOrEqual(t, st.Executing, limit)
		}(i)
	}
	start.Done()
	submitters.Wait()
	done.Wait()

	require.LessOrEqual(t, int(peak.Load()), limit)
	st := c.Stats()
	assert.Equal(t, 0, st.Executing)
	assert.Equal(t, 0, st.Queued)
}
