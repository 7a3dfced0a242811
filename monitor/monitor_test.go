package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completionRecorder collects completion callbacks thread-safely.
type completionRecorder struct {
	mu    sync.Mutex
	calls []string
	times []time.Time
}

func (r *completionRecorder) record(studyUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, studyUID)
	r.times = append(r.times, time.Now())
}

func (r *completionRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestStudyMonitor_FiresAfterQuiescence(t *testing.T) {
	m := NewStudyMonitor(2*time.Second, nil)
	rec := &completionRecorder{}
	m.OnComplete(rec.record)

	m.Start()
	defer m.Stop()

	m.Touch("1.2.3")
	time.Sleep(500 * time.Millisecond)
	lastTouch := time.Now()
	m.Touch("1.2.3")

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 5*time.Second, 50*time.Millisecond)

	rec.mu.Lock()
	fired := rec.times[0]
	rec.mu.Unlock()

	elapsed := fired.Sub(lastTouch)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.LessOrEqual(t, elapsed, 2*time.Second+1500*time.Millisecond)
	assert.Equal(t, []string{"1.2.3"}, rec.snapshot())

	// No further callbacks after completion
	time.Sleep(2 * pollInterval)
	assert.Len(t, rec.snapshot(), 1)
}

func TestStudyMonitor_TouchResetsTimer(t *testing.T) {
	m := NewStudyMonitor(2*time.Second, nil)
	rec := &completionRecorder{}
	m.OnComplete(rec.record)

	m.Start()
	defer m.Stop()

	m.Touch("1.2.3")
	time.Sleep(1500 * time.Millisecond)
	m.Touch("1.2.3")
	time.Sleep(1500 * time.Millisecond)

	// 3 s since the first touch but only 1.5 s since the second
	assert.Empty(t, rec.snapshot())
}

func TestStudyMonitor_RemovedBeforeCallback(t *testing.T) {
	m := NewStudyMonitor(1*time.Second, nil)

	var observed []string
	var mu sync.Mutex
	m.OnComplete(func(studyUID string) {
		mu.Lock()
		observed = append(observed, studyUID)
		mu.Unlock()
		assert.NotContains(t, m.ActiveStudies(), studyUID)
	})

	m.Start()
	defer m.Stop()

	m.Touch("1.2.3")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1
	}, 4*time.Second, 50*time.Millisecond)
}

func TestStudyMonitor_PanickingCallbackDoesNotStopOthers(t *testing.T) {
	m := NewStudyMonitor(1*time.Second, nil)
	rec := &completionRecorder{}

	m.OnComplete(func(string) { panic("boom") })
	m.OnComplete(rec.record)

	m.Start()
	defer m.Stop()

	m.Touch("1.2.3")
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 4*time.Second, 50*time.Millisecond)
}

func TestStudyMonitor_MultipleStudies(t *testing.T) {
	m := NewStudyMonitor(1*time.Second, nil)
	rec := &completionRecorder{}
	m.OnComplete(rec.record)

	m.Start()
	defer m.Stop()

	m.Touch("1.1")
	m.Touch("2.2")
	assert.Equal(t, []string{"1.1", "2.2"}, m.ActiveStudies())

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, 4*time.Second, 50*time.Millisecond)

	assert.ElementsMatch(t, []string{"1.1", "2.2"}, rec.snapshot())
	assert.Empty(t, m.ActiveStudies())
}

func TestStudyMonitor_StopIsIdempotent(t *testing.T) {
	m := NewStudyMonitor(time.Second, nil)
	m.Start()
	m.Stop()
	m.Stop()
}

func TestStudyMonitor_DefaultTimeout(t *testing.T) {
	m := NewStudyMonitor(0, nil)
	assert.Equal(t, DefaultTimeout, m.timeout)
}

func TestStudyMonitor_EmptyStudyUIDIgnored(t *testing.T) {
	m := NewStudyMonitor(time.Second, nil)
	m.Touch("")
	assert.Empty(t, m.ActiveStudies())
}
