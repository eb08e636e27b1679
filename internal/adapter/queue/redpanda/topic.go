package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const adminRequestTimeoutMillis = 30_000

// createTopicIfNotExists creates the topic through the Kafka admin API.
// A TOPIC_ALREADY_EXISTS response counts as success so startup stays
// idempotent across restarts.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	switch {
	case topic == "":
		return fmt.Errorf("topic name cannot be empty")
	case partitions <= 0:
		return fmt.Errorf("partitions must be greater than 0")
	case replicationFactor <= 0:
		return fmt.Errorf("replication factor must be greater than 0")
	}

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = adminRequestTimeoutMillis
	req.Topics = append(req.Topics, topicReq)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}

	for _, tr := range resp.Topics {
		if kafkaErr := kerr.ErrorForCode(tr.ErrorCode); kafkaErr != nil {
			if errors.Is(kafkaErr, kerr.TopicAlreadyExists) {
				slog.Info("topic already exists", slog.String("topic", tr.Topic))
				continue
			}
			return fmt.Errorf("create topic %q: %w", tr.Topic, kafkaErr)
		}
		slog.Info("topic created", slog.String("topic", tr.Topic), slog.Int("partitions", int(partitions)))
	}
	return nil
}
