package systems

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/spaghettifunk/framegraph/engine/core"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

type JobSystem struct {
	numWorkers int
	jobQueue   chan metadata.JobTask
	wg         sync.WaitGroup
	logger     *log.Logger

	mu     sync.RWMutex
	closed bool
}

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")
var ErrJobSystemClosed = errors.New("job system is shut down")
var ErrMissingJobStart = errors.New("job has no start function")
var ErrJobPanicked = errors.New("job panicked")

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	jq := make(chan metadata.JobTask, channelSize)
	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   jq,
		logger:     core.Logger("jobs"),
	}

	js.start()

	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func(worker int) {
			defer js.wg.Done()
			for job := range js.jobQueue {
				js.run(worker, job)
			}
		}(i)
	}
}

func (js *JobSystem) run(worker int, job metadata.JobTask) {
	if job.OnCompletionCallback != nil {
		defer job.OnCompletionCallback()
	}

	result, err := invoke(job)
	if err != nil {
		js.logger.Error("job failed", "job", job.Name, "type", job.JobType, "worker", worker, "err", err)
		if job.OnFailure != nil {
			job.OnFailure(err)
		}
		return
	}
	js.logger.Debug("job completed", "job", job.Name, "type", job.JobType, "worker", worker)
	if job.OnComplete != nil {
		job.OnComplete(result)
	}
}

// invoke turns a panic in OnStart into an error so the worker survives.
func invoke(job metadata.JobTask) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %q: %v", ErrJobPanicked, job.Name, r)
		}
	}()
	return job.OnStart()
}

/**
 * @brief Shuts the job system down. Queued jobs still run; Shutdown returns once they are done.
 */
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return ErrJobSystemClosed
	}
	js.closed = true
	close(js.jobQueue)
	js.mu.Unlock()

	js.wg.Wait()
	return nil
}

/**
 * @brief Submits the provided job to be queued for execution. Blocks while the queue is full.
 * @param jt The description of the job to be executed.
 */
func (js *JobSystem) Submit(jt metadata.JobTask) error {
	if jt.OnStart == nil {
		return fmt.Errorf("%w: %q", ErrMissingJobStart, jt.Name)
	}
	js.mu.RLock()
	defer js.mu.RUnlock()
	if js.closed {
		return fmt.Errorf("%w: dropping %q", ErrJobSystemClosed, jt.Name)
	}
	js.jobQueue <- jt
	return nil
}

// AddWorkNonBlocking queues jt from a new goroutine and returns immediately.
// Submission errors are reported through jt.OnFailure.
func (js *JobSystem) AddWorkNonBlocking(jt metadata.JobTask) {
	go func() {
		if err := js.Submit(jt); err != nil {
			js.logger.Warn("job not queued", "job", jt.Name, "err", err)
			if jt.OnFailure != nil {
				jt.OnFailure(err)
			}
		}
	}()
}
