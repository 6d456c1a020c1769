package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// taskDurationHistogram is shared by all managers so that scenario engines can
// be started and stopped repeatedly within one process without re-registering
// collectors.
var taskDurationHistogram = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "contender_background_task_latency_seconds",
		Help:    "Background loop latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	},
	[]string{"task"},
)

type task struct {
	function    func()
	interval    time.Duration
	name        string
	stopChannel chan struct{}
}

// BackgroundTaskManager runs registered functions on fixed intervals until
// StopAll is called. It is not threadsafe, it should only be accessed from a
// single thread.
type BackgroundTaskManager struct {
	tasks      []*task
	namePrefix string
	wg         *sync.WaitGroup
}

func NewBackgroundTaskManager(namePrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:      []*task{},
		namePrefix: namePrefix,
		wg:         &sync.WaitGroup{},
	}
}

// Register starts running backgroundTask on the given interval. The task runs
// once immediately on registration.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, name string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		name:        name,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll signals all tasks to stop and waits for them to finish their current
// iteration. Returns true if the timeout elapsed before all tasks stopped.
// Signalling is a channel close so a wedged task cannot block StopAll beyond
// the timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	observer := taskDurationHistogram.WithLabelValues(m.namePrefix + task.name)

	m.wg.Add(1)
	go func() {
		start := time.Now()
		task.function()
		observer.Observe(time.Since(start).Seconds())

		for {
			select {
			case <-time.After(task.interval):
			case <-task.stopChannel:
				m.wg.Done()
				return
			}
			innerStart := time.Now()
			task.function()
			observer.Observe(time.Since(innerStart).Seconds())
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		close(task.stopChannel)
	}
}
