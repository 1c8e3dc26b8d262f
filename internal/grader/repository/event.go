package repository

import (
	"context"
	"encoding/json"
	"errors"

	"querylab/internal/common/mq"
	"querylab/internal/grader/model"
)

const eventTypeAttemptFinished = "attempt.finished"

// MQAttemptEventPublisher publishes terminal attempts to a topic keyed by
// submission id.
type MQAttemptEventPublisher struct {
	producer mq.Producer
	topic    string
}

func NewMQAttemptEventPublisher(producer mq.Producer, topic string) *MQAttemptEventPublisher {
	return &MQAttemptEventPublisher{producer: producer, topic: topic}
}

func (p *MQAttemptEventPublisher) PublishAttempt(ctx context.Context, event model.AttemptEvent) error {
	if p == nil || p.producer == nil {
		return errors.New("attempt event producer is not configured")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := mq.NewMessage(event.SubmissionID, body)
	msg.SetHeader("event", eventTypeAttemptFinished)
	msg.SetHeader("status", string(event.Status))
	return p.producer.Publish(ctx, p.topic, msg)
}
