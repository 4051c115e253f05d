package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// PoolOptions sizes the notification worker pool.
type PoolOptions struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.HandoffTimeout < 0 {
		o.HandoffTimeout = 0
	}
	return o
}

// notifyDispatcher pushes notifications to the user's live connections right
// away and hands them to the notification sink from a worker pool.
type notifyDispatcher struct {
	sink Notifier
	live Broadcaster
	opts PoolOptions
	log  *log.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan domain.Notification
	wg     sync.WaitGroup
}

func newNotifyDispatcher(sink Notifier, live Broadcaster, opts PoolOptions, logger *log.Logger) *notifyDispatcher {
	opts = opts.withDefaults()
	d := &notifyDispatcher{
		sink: sink,
		live: live,
		opts: opts,
		log:  logger,
		jobs: make(chan domain.Notification, opts.Buffer),
	}
	if sink != nil {
		for i := 0; i < opts.Workers; i++ {
			d.wg.Add(1)
			go d.worker(i)
		}
		logger.Infof("notification sender started, workers: %d, buffer: %d, timeout: %v", opts.Workers, opts.Buffer, opts.Timeout)
	}
	return d
}

func (d *notifyDispatcher) worker(id int) {
	defer d.wg.Done()
	for n := range d.jobs {
		d.send(n, id)
	}
}

func (d *notifyDispatcher) send(n domain.Notification, worker int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()
	if err := d.sink.Notify(ctx, n); err != nil {
		d.log.WithError(err).WithFields(log.Fields{
			"user":   n.UserID,
			"type":   n.Type,
			"worker": worker,
		}).Error("notification delivery failed")
	}
}

// Dispatch never blocks the caller for longer than the handoff timeout. When
// the pool is saturated the notification is sent inline.
func (d *notifyDispatcher) Dispatch(ctx context.Context, n domain.Notification) {
	if d.live != nil {
		d.live.Notify(ctx, n.UserID, n)
	}
	if d.sink == nil {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.jobs <- n:
		return
	default:
	}
	if d.opts.HandoffTimeout > 0 {
		timer := time.NewTimer(d.opts.HandoffTimeout)
		defer timer.Stop()
		select {
		case d.jobs <- n:
			return
		case <-timer.C:
		}
	}
	d.log.Warn("notification buffer saturated; sending inline")
	d.send(n, -1)
}

// Close stops accepting notifications and waits for queued ones.
func (d *notifyDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}
