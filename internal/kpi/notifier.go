package kpi

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/monitoring"
)

// Sender delivers one notification job to one channel's gateway. The
// gateways themselves (email, chat, SMS) are external; senders emit
// structured jobs to them.
type Sender interface {
	Channel() string
	Send(ctx context.Context, alert *domain.KPIAlert, recipient string) error
}

// Recorder receives the outcome of every send attempt. The engine implements
// it; notificationsSent and notificationCount live on the alert row.
type Recorder interface {
	RecordNotification(ctx context.Context, alertID, channel, recipient string, success bool, errorMessage string) error
}

type notifyJob struct {
	alert     *domain.KPIAlert
	channel   string
	recipient string
}

// Dispatcher fans alert notifications out to channel senders through a
// bounded queue and a worker pool. A full queue drops, never blocks the
// evaluation path.
type Dispatcher struct {
	senders  map[string]Sender
	recorder Recorder
	queue    chan *notifyJob
	logger   *log.Logger
	metrics  *monitoring.Metrics
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher starts the worker pool.
func NewDispatcher(senders []Sender, recorder Recorder, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		senders:  make(map[string]Sender, len(senders)),
		recorder: recorder,
		queue:    make(chan *notifyJob, 1000),
		logger:   log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
	for _, s := range senders {
		d.senders[s.Channel()] = s
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// SetMetrics attaches the shared Prometheus counters. Set before the first
// Enqueue; the workers read it without locking.
func (d *Dispatcher) SetMetrics(m *monitoring.Metrics) {
	d.metrics = m
}

// Enqueue queues one job per (channel, recipient) pair. Returns false when
// any job was dropped because the queue was full.
func (d *Dispatcher) Enqueue(alert *domain.KPIAlert, channels, recipients []string) bool {
	all := true
	for _, channel := range channels {
		if _, ok := d.senders[channel]; !ok {
			d.logger.Printf("no sender for channel %q, skipping", channel)
			continue
		}
		for _, recipient := range recipients {
			select {
			case d.queue <- &notifyJob{alert: alert, channel: channel, recipient: recipient}:
			default:
				d.logger.Printf("queue full, dropping %s notification for alert %s",
					channel, alert.ID)
				all = false
			}
		}
	}
	return all
}

// Stop drains the queue and waits for the workers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *notifyJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sender := d.senders[job.channel]
	err := sender.Send(ctx, job.alert, job.recipient)
	errMsg := ""
	outcome := "sent"
	if err != nil {
		errMsg = err.Error()
		outcome = "failed"
		d.logger.Printf("%s send to %s failed for alert %s: %v",
			job.channel, job.recipient, job.alert.ID, err)
	}
	if d.metrics != nil {
		d.metrics.NotificationJobs.WithLabelValues(job.channel, outcome).Inc()
	}

	if d.recorder != nil {
		if rerr := d.recorder.RecordNotification(ctx, job.alert.ID, job.channel, job.recipient, err == nil, errMsg); rerr != nil {
			d.logger.Printf("could not record %s notification for alert %s: %v",
				job.channel, job.alert.ID, rerr)
		}
	}
}
