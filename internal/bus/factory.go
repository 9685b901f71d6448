package bus

import (
	"log"
	"strings"

	"github.com/fanoutlabs/courier/internal/config"
)

// New creates a Broker based on the application configuration. REDIS_URL
// selects the Redis pub/sub broker, KAFKA_BROKERS selects Kafka; with neither
// set it falls back to an InMemoryBroker suitable for single-node runs.
func New(cfg *config.Config) (Broker, error) {
	if cfg.RedisURL != "" {
		log.Printf("bus: using RedisBroker at %s", cfg.RedisURL)
		return NewRedisBroker(cfg.RedisURL)
	}

	if cfg.KafkaBrokers != "" {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		log.Printf("bus: using KafkaBroker with brokers=%v group=%s", brokers, cfg.KafkaConsumerGroup)
		return NewKafkaBroker(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		})
	}

	log.Println("bus: using InMemoryBroker (neither REDIS_URL nor KAFKA_BROKERS set)")
	return NewInMemoryBroker(), nil
}
