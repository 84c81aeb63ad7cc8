// Package intake consumes SQS queues feeding the engine: CRM trigger events
// and SES delivery feedback.
package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/EcrTech/insync-automation/internal/metrics"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
)

// ErrMalformed marks a message that can never be processed. Such messages
// are deleted instead of being left for redelivery.
var ErrMalformed = errors.New("malformed message")

// Handler processes one message body. Returning nil or an ErrMalformed
// error deletes the message; any other error leaves it on the queue.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, body []byte) error

func (f HandlerFunc) Handle(ctx context.Context, body []byte) error { return f(ctx, body) }

// sqsAPI is the subset of *sqs.Client the consumer uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls one queue and hands each message to its Handler.
type Consumer struct {
	name       string
	client     sqsAPI
	queueURL   string
	handler    Handler
	retryDelay time.Duration
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewConsumer creates a consumer. name labels logs and metrics.
func NewConsumer(name string, client *sqs.Client, queueURL string, h Handler) *Consumer {
	return newConsumer(name, client, queueURL, h)
}

func newConsumer(name string, client sqsAPI, queueURL string, h Handler) *Consumer {
	return &Consumer{
		name:       name,
		client:     client,
		queueURL:   queueURL,
		handler:    h,
		retryDelay: 5 * time.Second,
		done:       make(chan struct{}),
	}
}

// Start begins polling in the background.
func (c *Consumer) Start(ctx context.Context) {
	logger.Info("[Intake] SQS consumer started", "consumer", c.name, "queue", c.queueURL)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
}

// Stop ends polling and waits for the in-flight batch.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	logger.Info("[Intake] SQS consumer stopped", "consumer", c.name)
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("[Intake] SQS receive error", "consumer", c.name, "error", err)
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			continue
		}

		for _, msg := range out.Messages {
			c.process(ctx, msg.Body, msg.ReceiptHandle)
		}
	}
}

func (c *Consumer) process(ctx context.Context, body, receipt *string) {
	err := c.handler.Handle(ctx, []byte(aws.ToString(body)))
	switch {
	case err == nil:
		metrics.IntakeMessagesTotal.WithLabelValues("processed").Inc()
	case errors.Is(err, ErrMalformed):
		metrics.IntakeMessagesTotal.WithLabelValues("malformed").Inc()
		logger.Warn("[Intake] dropping malformed message", "consumer", c.name, "error", err)
	default:
		metrics.IntakeMessagesTotal.WithLabelValues("retry").Inc()
		logger.Error("[Intake] message processing failed, leaving for redelivery", "consumer", c.name, "error", err)
		return
	}
	c.deleteMessage(ctx, receipt)
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Warn("[Intake] SQS delete failed", "consumer", c.name, "error", err)
	}
}
