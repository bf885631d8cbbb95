package kpi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/fieldops/backend/internal/domain"
)

// notificationJob is the wire shape the gateway workers consume from the
// topic. One message per (channel, recipient) attempt.
type notificationJob struct {
	AlertID          string  `json:"alertId"`
	KPIName          string  `json:"kpiName"`
	Severity         string  `json:"severity"`
	Message          string  `json:"message"`
	CurrentValue     float64 `json:"currentValue"`
	ThresholdValue   float64 `json:"thresholdValue"`
	DeviationPercent float64 `json:"deviationPercent"`
	Channel          string  `json:"channel"`
	Recipient        string  `json:"recipient"`
	EnqueuedAt       string  `json:"enqueuedAt"`
}

// PubSubSender publishes notification jobs to a Cloud Pub/Sub topic; the
// external email/chat/SMS gateway workers subscribe to it. One sender per
// channel, all sharing a topic, with the channel in the message attributes
// for subscriber-side filtering.
type PubSubSender struct {
	channel string
	topic   *pubsub.Topic
	logger  *log.Logger
}

// NewPubSubSenders connects once and returns a sender per channel.
func NewPubSubSenders(ctx context.Context, projectID, topicID string, channels []string) ([]Sender, func(), error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	topic := client.Topic(topicID)
	topic.PublishSettings.CountThreshold = 1

	senders := make([]Sender, 0, len(channels))
	for _, channel := range channels {
		senders = append(senders, &PubSubSender{
			channel: channel,
			topic:   topic,
			logger:  log.New(log.Writer(), "[NOTIFY-PUBSUB] ", log.LstdFlags),
		})
	}
	cleanup := func() {
		topic.Stop()
		client.Close()
	}
	return senders, cleanup, nil
}

// Channel names the channel this sender serves.
func (s *PubSubSender) Channel() string { return s.channel }

// Send publishes one job and waits for the server ack.
func (s *PubSubSender) Send(ctx context.Context, alert *domain.KPIAlert, recipient string) error {
	job := notificationJob{
		AlertID:          alert.ID,
		KPIName:          alert.KPIName,
		Severity:         string(alert.Severity),
		Message:          alert.Message,
		CurrentValue:     alert.CurrentValue,
		ThresholdValue:   alert.ThresholdValue,
		DeviationPercent: alert.DeviationPercent,
		Channel:          s.channel,
		Recipient:        recipient,
		EnqueuedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	result := s.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"channel":  s.channel,
			"severity": string(alert.Severity),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification job: %w", err)
	}
	return nil
}

// LogSender is the fallback when no Pub/Sub project is configured: the job
// is logged and counted as sent. Local development only.
type LogSender struct {
	channel string
	logger  *log.Logger
}

// NewLogSenders returns a log-only sender per channel.
func NewLogSenders(channels []string) []Sender {
	senders := make([]Sender, 0, len(channels))
	for _, channel := range channels {
		senders = append(senders, &LogSender{
			channel: channel,
			logger:  log.New(log.Writer(), "[NOTIFY-LOG] ", log.LstdFlags),
		})
	}
	return senders
}

// Channel names the channel this sender serves.
func (s *LogSender) Channel() string { return s.channel }

// Send logs the would-be notification.
func (s *LogSender) Send(ctx context.Context, alert *domain.KPIAlert, recipient string) error {
	s.logger.Printf("%s → %s: %s", s.channel, recipient, alert.Message)
	return nil
}
