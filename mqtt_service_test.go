package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kwv/tudoshape/mesh"
)

// TestMQTTServiceConfigLoading tests configuration loading for the MQTT service
func TestMQTTServiceConfigLoading(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		shouldError bool
		wantBroker  string
		wantPrefix  string
	}{
		{
			name: "valid config",
			configYAML: `mqtt:
  broker: "mqtt://localhost:1883"
  publishPrefix: "shapes"
  clientId: "test-client"
modelPath: model.json
`,
			wantBroker: "mqtt://localhost:1883",
			wantPrefix: "shapes",
		},
		{
			name: "default prefix",
			configYAML: `mqtt:
  broker: "tcp://broker:1883"
`,
			wantBroker: "tcp://broker:1883",
			wantPrefix: mesh.DefaultPublishPrefix,
		},
		{
			name: "username without broker",
			configYAML: `mqtt:
  username: "u"
`,
			shouldError: true,
		},
		{
			name: "empty model path",
			configYAML: `modelPath: ""
`,
			shouldError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to write test config: %v", err)
			}

			config, err := mesh.LoadConfig(configPath)
			if tt.shouldError {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if config.MQTT.Broker != tt.wantBroker {
				t.Errorf("Broker = %q, want %q", config.MQTT.Broker, tt.wantBroker)
			}
			if config.MQTT.PublishPrefix != tt.wantPrefix {
				t.Errorf("PublishPrefix = %q, want %q", config.MQTT.PublishPrefix, tt.wantPrefix)
			}
		})
	}
}

// TestRunService_MQTTWithoutBroker checks that MQTT mode refuses to start
// without a broker.
func TestRunService_MQTTWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	a := NewApp(nil)
	a.ModelPath = filepath.Join(t.TempDir(), "model.json")
	a.MqttMode = true

	if err := a.RunService(context.Background()); err == nil {
		t.Fatal("expected an error when MQTT is enabled without a broker")
	}
}

// TestRunService_StopsOnCancel starts HTTP only and stops on context cancel.
func TestRunService_StopsOnCancel(t *testing.T) {
	a := NewApp(nil)
	a.ModelPath = filepath.Join(t.TempDir(), "model.json")
	a.HttpPort = 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.RunService(ctx); err != nil {
		t.Fatalf("RunService returned %v", err)
	}
	if a.StateTracker.HasModel() {
		t.Error("no model should be loaded from an empty directory")
	}
}
