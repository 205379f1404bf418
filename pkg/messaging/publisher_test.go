package messaging

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"softswitch/pkg/events"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestNewPublisherDefaultsExchange(t *testing.T) {
	p := NewPublisher(quietLogger(), "amqp://localhost", "")
	assert.Equal(t, "softswitch.events", p.exchange)

	p = NewPublisher(quietLogger(), "amqp://localhost", "pbx.calls")
	assert.Equal(t, "pbx.calls", p.exchange)
}

func TestConnectRequiresURL(t *testing.T) {
	p := NewPublisher(quietLogger(), "", "")
	err := p.Connect()
	assert.Error(t, err)
	assert.False(t, p.IsConnected())
}

func TestPublishWhileDisconnected(t *testing.T) {
	p := NewPublisher(quietLogger(), "amqp://localhost", "")

	err := p.Publish(events.Event{Kind: events.KindCallState, CallID: "c1"})
	assert.Error(t, err)
}

func TestDisconnectWithoutConnectIsSafe(t *testing.T) {
	p := NewPublisher(quietLogger(), "amqp://localhost", "")
	p.Disconnect()
	p.Disconnect()
}

func TestEventSerialization(t *testing.T) {
	ev := events.Event{
		Kind:   events.KindDigit,
		CallID: "call-9",
		Digit:  "5",
	}

	body, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "call.digit", decoded["kind"])
	assert.Equal(t, "call-9", decoded["call_id"])
	assert.Equal(t, "5", decoded["digit"])
}
