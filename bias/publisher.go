package bias

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// ResultPublisher publishes beam results and run summaries to MQTT.
// Results go to <prefix>/<acquisition>/<beam>, summaries to <prefix>/summary.
type ResultPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          map[ArtifactKey]BeamResult
	mu            sync.RWMutex
}

// NewResultPublisher creates a publisher on client. An empty prefix falls back
// to "gedi".
func NewResultPublisher(client mqtt.Client, prefix string) *ResultPublisher {
	if prefix == "" {
		prefix = "gedi"
	}
	return &ResultPublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,    // results are published once per run
		retain:        true, // late subscribers still see the latest result
		last:          make(map[ArtifactKey]BeamResult),
	}
}

// ResultTopic returns the topic a result for key is published on
func (p *ResultPublisher) ResultTopic(key ArtifactKey) string {
	return fmt.Sprintf("%s/%s/%s", p.publishPrefix, key.Acquisition, key.Beam)
}

// SummaryTopic returns the run summary topic
func (p *ResultPublisher) SummaryTopic() string {
	return p.publishPrefix + "/summary"
}

// PublishResult publishes one beam result
func (p *ResultPublisher) PublishResult(result BeamResult) error {
	p.mu.Lock()
	p.last[result.Key()] = result
	p.mu.Unlock()

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := p.publish(p.ResultTopic(result.Key()), payload); err != nil {
		return err
	}
	log.Printf("[MQTT] Published result for %s", result.Key())
	return nil
}

// PublishSummary publishes the summary of a finished run
func (p *ResultPublisher) PublishSummary(summary RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	return p.publish(p.SummaryTopic(), payload)
}

func (p *ResultPublisher) publish(topic string, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// LastResult returns the most recent result handed to the publisher for key
func (p *ResultPublisher) LastResult(key ArtifactKey) (BeamResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.last[key]
	return r, ok
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *ResultPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *ResultPublisher) SetRetain(retain bool) {
	p.retain = retain
}
