package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffWithJitter(t *testing.T) {
	for attempt := 1; attempt <= 40; attempt++ {
		d := backoffWithJitter(100*time.Millisecond, time.Second, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	// the first attempt waits between half and all of the minimum
	d := backoffWithJitter(100*time.Millisecond, time.Second, 1)
	assert.GreaterOrEqual(t, d, 50*time.Millisecond)
}

func TestEncode(t *testing.T) {
	b, err := Encode([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, "raw", string(b))

	b, err = Encode(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(b))

	_, err = Encode(make(chan int))
	assert.Error(t, err)
}

func TestMaxPayloadHook(t *testing.T) {
	h := MaxPayload(4)
	ctx := context.Background()

	_, _, data, err := h.BeforeHandle(ctx, "t", kafka.Message{}, []byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))

	_, _, _, err = h.BeforeHandle(ctx, "t", kafka.Message{}, []byte("abcde"))
	var he *HookError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "ERR_TOO_LARGE", he.Code)

	// unset callbacks are no-ops
	h.AfterHandle(ctx, "t", kafka.Message{}, nil, nil)
	h.OnError(ctx, "t", kafka.Message{}, nil, err)
}

func TestNewConsumerAndProducer(t *testing.T) {
	_, err := NewConsumer()
	assert.Error(t, err, "brokers are required")
	_, err = NewProducer()
	assert.Error(t, err)

	reg := prometheus.NewRegistry()
	c, err := NewConsumer(WithConsumerBrokers([]string{"localhost:9092"}), WithConsumerMetrics(reg), WithConsumerWorkers(0))
	require.NoError(t, err)
	assert.Equal(t, 1, c.cfg.WorkerCount, "non-positive worker counts keep the default")
	assert.Error(t, c.Start(), "nothing to consume")
	assert.Same(t, c.partitionLock("t", 1), c.partitionLock("t", 1))
	assert.NotSame(t, c.partitionLock("t", 1), c.partitionLock("t", 2))

	p, err := NewProducer(WithBrokers([]string{"localhost:9092"}), WithProducerMetrics(reg))
	require.NoError(t, err)
	p.observe("results", 10, time.Millisecond, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.messages.WithLabelValues("results", "gzip", "ok")))
	require.NoError(t, p.Close())
}
