package mq

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewSink_InvalidDSN(t *testing.T) {
	logger := zap.NewNop()

	_, err := NewSink("", logger)
	assert.Error(t, err)

	_, err = NewSink("amqp://localhost/queue", logger)
	assert.Error(t, err)

	_, err = NewSink("redis://localhost:6379/0", logger)
	assert.Error(t, err, "redis sink 缺少 key 参数")

	_, err = NewSink("kafka://localhost:9092", logger)
	assert.Error(t, err, "kafka sink 缺少 topic")
}

func TestRedisSink_Publish(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	sink, err := NewSink(fmt.Sprintf("redis://%s/0?key=bkmonitor.alert", mr.Addr()), zap.NewNop())
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Publish(context.Background(), []byte(`{"alert_id":"a-1"}`)))
	require.NoError(t, sink.Publish(context.Background(), []byte(`{"alert_id":"a-2"}`)))

	got, err := mr.List("bkmonitor.alert")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRedisSink_DBFromPath(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	_, err = NewSink(fmt.Sprintf("redis://%s/abc?key=q", mr.Addr()), zap.NewNop())
	assert.Error(t, err)

	sink, err := NewSink(fmt.Sprintf("redis://%s/1?key=q", mr.Addr()), zap.NewNop())
	require.NoError(t, err)
	sink.Close()
}
