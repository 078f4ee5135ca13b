package mesh

import (
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// FitResponse is published on <prefix>/fit/<id>.
type FitResponse struct {
	ID           string    `json:"id"`
	Components   int       `json:"components"`
	Coefficients []float64 `json:"coefficients,omitempty"`
	Error        float64   `json:"error"`
	Iterations   int       `json:"iterations"`
	Converged    bool      `json:"converged"`
	Vertices     []r3.Vec  `json:"vertices,omitempty"`
	Failure      string    `json:"failure,omitempty"`
	Timestamp    int64     `json:"timestamp"`
}

// NewFitResponse summarises a fit for publishing. Vertices are the
// reconstruction in the input frame.
func NewFitResponse(id string, res *FitResult) FitResponse {
	return FitResponse{
		ID:           id,
		Components:   res.Components,
		Coefficients: res.Coefficients,
		Error:        res.Error,
		Iterations:   res.Convergence.Iterations,
		Converged:    res.Convergence.Converged,
		Vertices:     res.InputFrame,
		Timestamp:    time.Now().Unix(),
	}
}

// Publisher publishes registration progress, the model summary and fit
// results. Progress uses QoS 0 without retain; the model summary is retained.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	lastProgress  *ProgressEvent
	mu            sync.RWMutex
}

// NewPublisher creates a publisher using MQTT_PUBLISH_PREFIX or the default
// prefix. A nil client disables publishing.
func NewPublisher(client mqtt.Client) *Publisher {
	return NewPublisherWithPrefix(client, publishPrefix(nil))
}

// NewPublisherWithPrefix creates a publisher with an explicit topic prefix.
func NewPublisherWithPrefix(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
	}
}

// ProgressTopic returns <prefix>/progress.
func (p *Publisher) ProgressTopic() string { return p.publishPrefix + "/progress" }

// ModelTopic returns <prefix>/model.
func (p *Publisher) ModelTopic() string { return p.publishPrefix + "/model" }

// FitTopic returns <prefix>/fit/<id>.
func (p *Publisher) FitTopic(id string) string { return p.publishPrefix + "/fit/" + id }

// PublishProgress publishes a registration progress event. It is safe to use
// as a ProgressFunc target from concurrent workers.
func (p *Publisher) PublishProgress(ev ProgressEvent) error {
	p.mu.Lock()
	evCopy := ev
	p.lastProgress = &evCopy
	p.mu.Unlock()
	return p.publish(p.ProgressTopic(), false, ev)
}

// ProgressFunc adapts PublishProgress to a ProgressFunc that logs failures.
func (p *Publisher) ProgressFunc() ProgressFunc {
	return func(ev ProgressEvent) {
		if err := p.PublishProgress(ev); err != nil {
			getLogger().Debugw("progress not published", "error", err)
		}
	}
}

// LastProgress returns the most recent progress event, if any.
func (p *Publisher) LastProgress() (ProgressEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastProgress == nil {
		return ProgressEvent{}, false
	}
	return *p.lastProgress, true
}

// PublishModel publishes the retained model summary.
func (p *Publisher) PublishModel(sm *ShapeModel) error {
	if sm == nil {
		return ErrEmptyInput
	}
	return p.publish(p.ModelTopic(), true, sm.Summary())
}

// PublishFit publishes a fit response on the request's topic.
func (p *Publisher) PublishFit(resp FitResponse) error {
	if resp.ID == "" {
		return errors.New("fit response has no id")
	}
	return p.publish(p.FitTopic(resp.ID), false, resp)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2).
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

func (p *Publisher) publish(topic string, retain bool, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshaling payload for %s", topic)
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if err := waitToken(token, publishTimeout); err != nil {
		return errors.Wrapf(err, "publishing to %s", topic)
	}
	getLogger().Debugw("published", "topic", topic, "bytes", len(payload), "retain", retain)
	return nil
}
