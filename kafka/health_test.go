package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConsumer(t *testing.T) {
	b := NewMemoryBroker(2)
	produce(t, b, "orders", 0, "a", "b")

	c := newTestConsumer(t, b, "billing")
	c.Handle(func(_ context.Context, msg *Message) error {
		if string(msg.Value) == "b" {
			return errBoom
		}
		return nil
	})

	result := CheckConsumer(c)
	assert.Equal(t, HealthStatusUp, result.Status)
	assert.Equal(t, "unassigned", result.Details["state"])
	assert.Equal(t, false, result.Details["running"])

	require.Error(t, waitRun(t, start(t, c)))

	result = CheckConsumer(c)
	assert.Equal(t, HealthStatusDown, result.Status)
	assert.ErrorIs(t, result.Error, errBoom)
	assert.Equal(t, "billing", result.Details["groupId"])
	assert.Equal(t, "assigned", result.Details["state"])
	assert.Equal(t, []string{"orders[0]", "orders[1]"}, result.Details["partitions"])
	assert.Equal(t, map[string]int64{"orders[0]": 1}, result.Details["commitPoints"])
	assert.Equal(t, "closed", result.Details["dlqCircuit"])
	assert.Contains(t, result.Details["error"], "boom")
}

func TestHealthChecker_UnreachableBroker(t *testing.T) {
	h := NewHealthChecker([]string{"127.0.0.1:1"})
	h.SetTimeout(200 * time.Millisecond)

	result := h.CheckBrokers(context.Background())
	assert.Equal(t, HealthStatusDown, result.Status)
	assert.Error(t, result.Error)
	assert.NotEmpty(t, result.Details["error"])
}
