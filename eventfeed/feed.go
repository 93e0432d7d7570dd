package eventfeed

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"agentdash/collab"
)

// Topic suffixes under the configured prefix.
const (
	topicTraceCompleted    = "trace/completed"
	topicViolationCreated  = "violation/created"
	topicViolationDetected = "violation/detected"
)

// FeedOptions configures the MQTT transport.
type FeedOptions struct {
	Broker       string
	Port         int
	TopicPrefix  string
	DedupeWindow time.Duration
	Logf         func(format string, args ...any)
}

// Feed subscribes to the observability event topics on an MQTT broker and
// publishes decoded events into its embedded Registry. Broker delivery is
// at-least-once (QoS 1); redeliveries are thinned by the deduper and the
// synchronizer's merges stay idempotent for whatever slips through.
type Feed struct {
	*Registry

	broker string
	port   int
	prefix string

	client mqtt.Client
	dedupe *deduper
	logf   func(format string, args ...any)

	malformed atomic.Uint64
}

// NewFeed builds a disconnected feed around a fresh registry.
func NewFeed(opts FeedOptions) *Feed {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	prefix := strings.TrimSuffix(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = "agentobs"
	}
	return &Feed{
		Registry: NewRegistry(),
		broker:   opts.Broker,
		port:     opts.Port,
		prefix:   prefix,
		dedupe:   newDeduper(opts.DedupeWindow),
		logf:     logf,
	}
}

// Connect establishes the broker session. Reconnects are automatic; each
// successful (re)connect re-subscribes, and a lost connection additionally
// surfaces the feed:lost control event so consumers can degrade to
// polling-only.
func (f *Feed) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", f.broker, f.port))
	opts.SetClientID("agentdash-" + uuid.NewString()[:8])
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(f.onConnect)
	opts.SetConnectionLostHandler(f.onConnectionLost)

	f.client = mqtt.NewClient(opts)
	token := f.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("eventfeed: connect %s:%d: %w", f.broker, f.port, token.Error())
	}
	return nil
}

// Stop disconnects from the broker. Registered handlers stay in place; the
// registry can still be used as a local source afterwards.
func (f *Feed) Stop() {
	if f.client != nil && f.client.IsConnected() {
		f.client.Disconnect(250)
	}
}

// Malformed returns the count of dropped undecodable events.
func (f *Feed) Malformed() uint64 {
	return f.malformed.Load()
}

func (f *Feed) onConnect(client mqtt.Client) {
	for _, suffix := range []string{topicTraceCompleted, topicViolationCreated, topicViolationDetected} {
		topic := f.prefix + "/" + suffix
		token := client.Subscribe(topic, 1, f.onMessage)
		if token.Wait() && token.Error() != nil {
			f.logf("eventfeed: subscribe %s failed: %v", topic, token.Error())
		}
	}
}

func (f *Feed) onConnectionLost(_ mqtt.Client, err error) {
	f.logf("eventfeed: connection lost: %v", err)
	f.Publish(collab.Event{Name: collab.EventFeedLost, ReceivedAt: time.Now().UTC()})
}

// onMessage decodes one broker message and dispatches it. A malformed
// payload drops that single event; the feed keeps running.
func (f *Feed) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if f.dedupe.duplicate(msg.Topic(), payload) {
		return
	}

	suffix := strings.TrimPrefix(msg.Topic(), f.prefix+"/")
	ev := collab.Event{ReceivedAt: time.Now().UTC()}
	switch suffix {
	case topicTraceCompleted:
		t, err := decodeTraceEvent(payload)
		if err != nil {
			f.malformed.Add(1)
			f.logf("eventfeed: dropped event on %s: %v", msg.Topic(), err)
			return
		}
		ev.Name = collab.EventTraceCompleted
		ev.Trace = t
	case topicViolationCreated, topicViolationDetected:
		v, err := decodeViolationEvent(payload)
		if err != nil {
			f.malformed.Add(1)
			f.logf("eventfeed: dropped event on %s: %v", msg.Topic(), err)
			return
		}
		if suffix == topicViolationCreated {
			ev.Name = collab.EventViolationCreated
		} else {
			ev.Name = collab.EventViolationDetected
		}
		ev.Violation = v
	default:
		return
	}
	f.Publish(ev)
}
