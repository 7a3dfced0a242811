// Package monitor tracks per-study activity and declares a study complete
// after it has been idle for a configured timeout.
package monitor

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout is the quiescence window when none is configured.
const DefaultTimeout = 60 * time.Second

// pollInterval bounds how late a completion callback can fire past the
// timeout.
const pollInterval = time.Second

// CompletionFunc is invoked exactly once per study activation once the
// study has been quiescent for the timeout.
type CompletionFunc func(studyUID string)

// StudyMonitor keeps a last-activity timestamp per study and fires
// completion callbacks from a single background loop.
type StudyMonitor struct {
	timeout time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	activity  map[string]time.Time
	callbacks []CompletionFunc

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewStudyMonitor creates a monitor with the given quiescence timeout.
// A non-positive timeout uses the default of 60 seconds.
func NewStudyMonitor(timeout time.Duration, logger *zap.Logger) *StudyMonitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudyMonitor{
		timeout:  timeout,
		logger:   logger,
		activity: make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Touch records activity for a study, marking it active.
func (m *StudyMonitor) Touch(studyUID string) {
	if studyUID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, active := m.activity[studyUID]; !active {
		m.logger.Info("Tracking new study", zap.String("study_uid", studyUID))
	}
	m.activity[studyUID] = time.Now()
}

// OnComplete registers a callback invoked when a study completes.
func (m *StudyMonitor) OnComplete(fn CompletionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// ActiveStudies returns the studies currently being tracked.
func (m *StudyMonitor) ActiveStudies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	studies := make([]string, 0, len(m.activity))
	for studyUID := range m.activity {
		studies = append(studies, studyUID)
	}
	sort.Strings(studies)
	return studies
}

// Start launches the background loop. Calling Start twice is a no-op.
func (m *StudyMonitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info("Study monitor started", zap.Duration("timeout", m.timeout))
	go m.loop()
}

// Stop terminates the loop and waits for it to exit. Idempotent.
func (m *StudyMonitor) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	m.stopOnce.Do(func() {
		close(m.stop)
	})
	if started {
		<-m.done
	}
}

func (m *StudyMonitor) loop() {
	defer close(m.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep moves every expired study out of the activity table under the
// lock, then invokes the callbacks outside it so a slow packager cannot
// block Touch.
func (m *StudyMonitor) sweep(now time.Time) {
	m.mu.Lock()
	var expired []string
	for studyUID, lastActivity := range m.activity {
		if now.Sub(lastActivity) > m.timeout {
			expired = append(expired, studyUID)
			delete(m.activity, studyUID)
		}
	}
	callbacks := make([]CompletionFunc, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	sort.Strings(expired)
	for _, studyUID := range expired {
		m.logger.Info("Study complete", zap.String("study_uid", studyUID))
		for _, fn := range callbacks {
			m.invoke(fn, studyUID)
		}
	}
}

func (m *StudyMonitor) invoke(fn CompletionFunc, studyUID string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Completion callback panicked",
				zap.String("study_uid", studyUID),
				zap.Any("panic", r))
		}
	}()
	fn(studyUID)
}
