package cli

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nav9/multi-recorder/internal/control"
)

// Do sends one command to the daemon's control topic and waits for the
// matching acknowledgement on the health topic.
func Do(deps *Dependencies, cmd control.Command) (*control.Response, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", deps.Broker))
	opts.SetClientID("multirecctl-" + uuid.New().String()[:8])
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout (broker %s)", deps.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	defer client.Disconnect(250)

	controlTopic := fmt.Sprintf("multirec/control/%s", deps.Instance)
	healthTopic := fmt.Sprintf("multirec/health/%s", deps.Instance)

	respCh := make(chan control.Response, 8)
	subToken := client.Subscribe(healthTopic, 1, func(c mqtt.Client, msg mqtt.Message) {
		var resp control.Response
		if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
			return
		}
		if resp.CommandAck != cmd.Command {
			return
		}
		select {
		case respCh <- resp:
		default:
		}
	})
	if !subToken.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("subscribe timeout on %s", healthTopic)
	}
	if err := subToken.Error(); err != nil {
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	pubToken := client.Publish(controlTopic, 1, false, payload)
	if !pubToken.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("publish timeout on %s", controlTopic)
	}
	if err := pubToken.Error(); err != nil {
		return nil, fmt.Errorf("publish failed: %w", err)
	}

	select {
	case resp := <-respCh:
		if resp.Status == "error" {
			return &resp, fmt.Errorf("%s failed: %s", cmd.Command, resp.Error)
		}
		return &resp, nil
	case <-time.After(deps.Timeout):
		return nil, fmt.Errorf("no response to %s within %s", cmd.Command, deps.Timeout)
	}
}

// printData pretty-prints a response data payload.
func printData(data map[string]interface{}) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
