package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"beneFitterAPI/internal/challenge"
	"beneFitterAPI/internal/notification"
)

type PushNotificationProvider interface {
	SendToTopic(ctx context.Context, topic, title, body string, data map[string]string) error
}

type DispatchJob struct {
	Topic string
	Title string
	Body  string
	Data  map[string]string
}

// NotificationDispatcher turns challenge state events into push messages.
// Bus handlers only enqueue; a fixed pool of workers does the sending.
type NotificationDispatcher struct {
	provider PushNotificationProvider
	workers  int
	jobQueue chan *DispatchJob
	stopChan chan struct{}
	wg       sync.WaitGroup
	cancels  []func()
	stopOnce sync.Once
}

func NewNotificationDispatcher(provider PushNotificationProvider, workers int) *NotificationDispatcher {
	d := &NotificationDispatcher{
		provider: provider,
		workers:  workers,
		jobQueue: make(chan *DispatchJob, 100),
		stopChan: make(chan struct{}),
	}
	d.startWorkers()
	return d
}

// Attach subscribes the dispatcher to the states that notify the user.
func (d *NotificationDispatcher) Attach(bus *challenge.Bus) {
	d.cancels = append(d.cancels,
		bus.Subscribe(challenge.StateDidEnter, d.onEvent),
		bus.Subscribe(challenge.StateDidFinish, d.onEvent),
	)
}

func (d *NotificationDispatcher) startWorkers() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

func (d *NotificationDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.jobQueue:
			d.processJob(job)
		case <-d.stopChan:
			return
		}
	}
}

func (d *NotificationDispatcher) processJob(job *DispatchJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.provider.SendToTopic(ctx, job.Topic, job.Title, job.Body, job.Data); err != nil {
		slog.Error("push failed", "topic", job.Topic, "error", err)
		pushNotificationsTotal.WithLabelValues("failed").Inc()
		return
	}
	pushNotificationsTotal.WithLabelValues("sent").Inc()
}

func (d *NotificationDispatcher) onEvent(e challenge.Event) {
	job := jobFor(e)
	if job == nil {
		return
	}
	d.Dispatch(job)
}

// Dispatch queues a job without blocking; it is dropped when the queue is full.
func (d *NotificationDispatcher) Dispatch(job *DispatchJob) bool {
	select {
	case d.jobQueue <- job:
		return true
	default:
		slog.Warn("push queue full, dropping notification", "topic", job.Topic)
		pushNotificationsTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

func jobFor(e challenge.Event) *DispatchJob {
	c := e.Challenge
	data := map[string]string{
		"challenge_id": c.ID,
		"state":        string(e.State),
		"progress":     strconv.Itoa(c.Progress),
		"goal":         strconv.Itoa(c.Goal),
	}

	switch e.State {
	case challenge.StateDidEnter:
		return &DispatchJob{
			Topic: notification.TopicFor(c.ID),
			Title: "Challenge joined",
			Body: fmt.Sprintf("Reach %d %s within %d hours to support %s.",
				c.Goal, c.Kind.Unit(), c.Duration.Hours(), c.Organization.Name()),
			Data: data,
		}
	case challenge.StateDidFinish:
		return &DispatchJob{
			Topic: notification.TopicFor(c.ID),
			Title: "Challenge finished",
			Body:  fmt.Sprintf("You reached %d of %d %s.", c.Progress, c.Goal, c.Kind.Unit()),
			Data:  data,
		}
	}
	return nil
}

// Stop unsubscribes from the bus and waits for the workers to exit. Jobs
// still queued are discarded.
func (d *NotificationDispatcher) Stop() {
	d.stopOnce.Do(func() {
		slog.Info("stopping notification dispatcher")
		for _, cancel := range d.cancels {
			cancel()
		}
		close(d.stopChan)
		d.wg.Wait()
		slog.Info("notification dispatcher stopped")
	})
}
