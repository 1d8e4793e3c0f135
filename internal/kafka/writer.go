package kafka

import "github.com/segmentio/kafka-go"

// NewSyncWriter returns a writer whose WriteMessages only returns after every
// in-sync replica acknowledged the batch.
func NewSyncWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}
