// Package mq 告警消息投递到外部消息队列的统一出口。
// 目标队列由 DSN 指定，支持 redis 列表、kafka 主题和 pulsar 主题。
package mq

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink 消息队列写入口
type Sink interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// NewSink 按 DSN 创建队列写入口。
//
//	redis://:password@host:6379/0?key=bkmonitor.alert
//	kafka://host1:9092,host2:9092/topic
//	pulsar://host:6650/topic
func NewSink(dsn string, logger *zap.Logger) (Sink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("message queue dsn is required")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid message queue dsn: %w", err)
	}

	switch u.Scheme {
	case "redis":
		return newRedisSink(u, logger)
	case "kafka":
		return newKafkaSink(u, logger)
	case "pulsar":
		return newPulsarSink(u, logger)
	default:
		return nil, fmt.Errorf("unsupported message queue scheme: %s", u.Scheme)
	}
}

type redisSink struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

func newRedisSink(u *url.URL, logger *zap.Logger) (*redisSink, error) {
	key := u.Query().Get("key")
	if key == "" {
		return nil, fmt.Errorf("redis sink requires a key parameter")
	}

	db := 0
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		parsed, err := strconv.Atoi(path)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db in dsn: %w", err)
		}
		db = parsed
	}

	password, _ := u.User.Password()
	client := redis.NewClient(&redis.Options{
		Addr:     u.Host,
		Password: password,
		DB:       db,
	})
	return &redisSink{client: client, key: key, logger: logger}, nil
}

func (s *redisSink) Publish(ctx context.Context, payload []byte) error {
	if err := s.client.LPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push message to redis: %w", err)
	}
	return nil
}

func (s *redisSink) Close() error {
	return s.client.Close()
}

type kafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func newKafkaSink(u *url.URL, logger *zap.Logger) (*kafkaSink, error) {
	topic := strings.TrimPrefix(u.Path, "/")
	if topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic in dsn path")
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(strings.Split(u.Host, ",")...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &kafkaSink{writer: writer, logger: logger}, nil
}

func (s *kafkaSink) Publish(ctx context.Context, payload []byte) error {
	if err := s.writer.WriteMessages(ctx, kafka.Message{Value: payload}); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

func (s *kafkaSink) Close() error {
	return s.writer.Close()
}

type pulsarSink struct {
	client   pulsar.Client
	producer pulsar.Producer
	logger   *zap.Logger
}

func newPulsarSink(u *url.URL, logger *zap.Logger) (*pulsarSink, error) {
	topic := strings.TrimPrefix(u.Path, "/")
	if topic == "" {
		return nil, fmt.Errorf("pulsar sink requires a topic in dsn path")
	}

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL: fmt.Sprintf("pulsar://%s", u.Host),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pulsar client: %w", err)
	}

	producer, err := client.CreateProducer(pulsar.ProducerOptions{Topic: topic})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create pulsar producer: %w", err)
	}
	return &pulsarSink{client: client, producer: producer, logger: logger}, nil
}

func (s *pulsarSink) Publish(ctx context.Context, payload []byte) error {
	if _, err := s.producer.Send(ctx, &pulsar.ProducerMessage{Payload: payload}); err != nil {
		return fmt.Errorf("failed to send message to pulsar: %w", err)
	}
	return nil
}

func (s *pulsarSink) Close() error {
	s.producer.Close()
	s.client.Close()
	return nil
}
