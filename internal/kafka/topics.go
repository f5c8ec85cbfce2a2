package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-paytracker/internal/logger"

	"github.com/segmentio/kafka-go"
)

// TopicSettings sizes the outcome topics when they have to be created.
type TopicSettings struct {
	Partitions        int
	ReplicationFactor int
}

// EnsureTopicsExist creates any missing outcome topics through the cluster controller.
// Topics that already exist are left untouched; every other per-topic failure is returned.
func EnsureTopicsExist(ctx context.Context, brokers []string, topics Topics, settings TopicSettings, log *logger.Logger) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	if settings.Partitions <= 0 {
		settings.Partitions = 1
	}
	if settings.ReplicationFactor <= 0 {
		settings.ReplicationFactor = 1
	}

	names := topics.All()
	req := &kafka.CreateTopicsRequest{Topics: make([]kafka.TopicConfig, 0, len(names))}
	for _, name := range names {
		req.Topics = append(req.Topics, kafka.TopicConfig{
			Topic:             name,
			NumPartitions:     settings.Partitions,
			ReplicationFactor: settings.ReplicationFactor,
		})
	}

	client := &kafka.Client{Addr: kafka.TCP(brokers...), Timeout: 10 * time.Second}
	resp, err := client.CreateTopics(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	var errs []error
	for _, name := range names {
		terr := resp.Errors[name]
		switch {
		case terr == nil:
			log.LogKafka("CREATE_TOPIC", name, "created")
		case errors.Is(terr, kafka.TopicAlreadyExists):
			log.LogKafka("CREATE_TOPIC", name, "already exists")
		default:
			errs = append(errs, fmt.Errorf("topic %s: %w", name, terr))
		}
	}
	return errors.Join(errs...)
}
