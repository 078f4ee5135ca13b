package mesh

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultPublishPrefix is the topic prefix used when neither the config nor
// MQTT_PUBLISH_PREFIX sets one.
const DefaultPublishPrefix = "tudoshape"

// FitRequest asks the service to fit a shape to the loaded model. Exactly one
// of Path or Vertices is expected.
type FitRequest struct {
	ID         string   `json:"id"`
	Path       string   `json:"path,omitempty"`
	Vertices   []r3.Vec `json:"vertices,omitempty"`
	Components int      `json:"components,omitempty"`
}

// FitRequestHandler is called for every decoded fit request. A non-nil err
// means the payload could not be decoded; req then carries whatever was parsed.
type FitRequestHandler func(req FitRequest, err error)

// MQTTClient manages the broker connection and the fit request subscription.
type MQTTClient struct {
	client      mqtt.Client
	prefix      string
	fitHandler  FitRequestHandler
	isConnected bool
	stop        chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
}

// InitMQTT connects to the broker named by MQTT_BROKER or the config. With no
// broker configured MQTT is disabled and InitMQTT returns nil, nil.
func InitMQTT(config *Config, handler FitRequestHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil {
		broker = config.MQTT.Broker
	}
	if broker == "" {
		getLogger().Infow("MQTT disabled: no broker configured")
		return nil, nil
	}
	if config == nil {
		return nil, errors.New("MQTT enabled but no configuration provided")
	}

	client := &MQTTClient{
		prefix:     publishPrefix(config),
		fitHandler: handler,
		stop:       make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "tudoshape"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep the fit request subscription across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)
	go client.connectWithRetry()
	return client, nil
}

// publishPrefix resolves the topic prefix: env, then config, then default.
func publishPrefix(config *Config) string {
	if p := os.Getenv("MQTT_PUBLISH_PREFIX"); p != "" {
		return p
	}
	if config != nil && config.MQTT.PublishPrefix != "" {
		return config.MQTT.PublishPrefix
	}
	return DefaultPublishPrefix
}

// Prefix returns the resolved topic prefix.
func (c *MQTTClient) Prefix() string {
	return c.prefix
}

// FitRequestTopic is the topic fit requests arrive on.
func (c *MQTTClient) FitRequestTopic() string {
	return c.prefix + "/fit/request"
}

// connectWithRetry connects with exponential backoff until it succeeds or
// Disconnect is called.
func (c *MQTTClient) connectWithRetry() {
	log := getLogger()
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Infow("connecting to MQTT broker")
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Infow("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Warnw("MQTT connection failed", "error", token.Error())
		} else {
			log.Warnw("MQTT connection timeout")
		}

		log.Infow("retrying MQTT connection", "delay", retryDelay)
		select {
		case <-c.stop:
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// ErrTokenTimeout reports an MQTT operation the broker did not acknowledge
// in time.
var ErrTokenTimeout = errors.New("mqtt operation timed out")

var (
	subscribeTimeout = 5 * time.Second
	publishTimeout   = 2 * time.Second
)

// waitToken waits for token and reports a timeout as an error.
func waitToken(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return ErrTokenTimeout
	}
	return token.Error()
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	topic := c.FitRequestTopic()
	token := client.Subscribe(topic, 1, c.createFitRequestHandler())
	if err := waitToken(token, subscribeTimeout); err != nil {
		getLogger().Errorw("subscribe failed", "topic", topic, "error", err)
		return
	}
	getLogger().Infow("subscribed", "topic", topic)
}

// onConnectionLost is a transient event; auto-reconnect retries.
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	getLogger().Warnw("MQTT connection interrupted, auto-reconnect will retry", "error", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	getLogger().Infow("MQTT reconnecting")
}

// createFitRequestHandler decodes fit request payloads for fitHandler.
func (c *MQTTClient) createFitRequestHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		getLogger().Debugw("fit request received", "topic", msg.Topic(), "bytes", len(payload))
		if c.fitHandler == nil {
			return
		}

		req, err := DecodeFitRequest(payload)
		c.fitHandler(req, err)
	}
}

// DecodeFitRequest parses a fit request payload.
func DecodeFitRequest(payload []byte) (FitRequest, error) {
	var req FitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, errors.Wrap(err, "decoding fit request")
	}
	if req.ID == "" {
		return req, errors.New("fit request has no id")
	}
	if req.Path == "" && len(req.Vertices) == 0 {
		return req, errors.Errorf("fit request %s has neither path nor vertices", req.ID)
	}
	return req, nil
}

// IsConnected returns true if the MQTT client is connected.
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops connection retries and closes the connection.
func (c *MQTTClient) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.client != nil && c.client.IsConnected() {
		getLogger().Infow("disconnecting from MQTT broker")
		c.client.Disconnect(250)
	}
	c.setConnected(false)
}

// GetClient returns the underlying client for publishing.
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}
