//go:build integration

package mqtt

import (
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Requires a broker at 127.0.0.1:1883:
//
//	go test -tags=integration ./internal/infrastructure/mqtt/...

func TestIntegration_PublishRetainedState(t *testing.T) {
	c, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close() //nolint:errcheck // Test cleanup

	topic := Topics{}.DeviceState("10.99.0.1")
	if err := c.PublishRetained(topic, []byte(`{"address":"10.99.0.1"}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}

	received := make(chan string, 1)
	opts := pahomqtt.NewClientOptions().AddBroker("tcp://127.0.0.1:1883").SetClientID("nmfleet-reader")
	reader := pahomqtt.NewClient(opts)
	if tok := reader.Connect(); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("reader connect failed: %v", tok.Error())
	}
	defer reader.Disconnect(100)

	reader.Subscribe(topic, 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
		received <- string(m.Payload())
	})

	select {
	case got := <-received:
		if got != `{"address":"10.99.0.1"}` {
			t.Errorf("retained payload = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retained state not delivered")
	}
}
