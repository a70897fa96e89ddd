// Package pipeline funnels inbound frames from both realtime transports
// through the normalizer onto the bus. The funnel never returns an error to
// the transport: recognized events land on their kind's topic, everything
// else becomes a diagnostic on the unrecognized topic.
package pipeline

import (
	"errors"

	"github.com/brightclass/relay/pkg/bus"
	"github.com/brightclass/relay/pkg/events"
	"github.com/brightclass/relay/pkg/logger"
	"github.com/brightclass/relay/pkg/normalize"
)

// Pipeline is the single inbound path shared by the connection supervisor and
// the subscription orchestrator.
type Pipeline struct {
	bus    *bus.Bus
	source string
}

// New creates a pipeline publishing to b. Source names the transport for the
// envelope ("conn", "subs").
func New(b *bus.Bus, source string) *Pipeline {
	return &Pipeline{bus: b, source: source}
}

// HandleFrame normalizes one raw frame and publishes the result. Malformed
// frames from the backend must not crash the transport, so failures are
// published on the diagnostic topic and swallowed.
func (p *Pipeline) HandleFrame(src normalize.Source, raw []byte) {
	evt, err := normalize.Normalize(src, raw)
	if err != nil {
		var unrec *normalize.UnrecognizedError
		reason := err.Error()
		if errors.As(err, &unrec) {
			reason = unrec.Reason
		}
		logger.DebugCF("pipeline", "Frame did not normalize", map[string]interface{}{
			"channel": src.Channel,
			"event":   src.Event,
			"reason":  reason,
		})
		p.bus.Publish(events.TopicUnrecognized, events.NewEnvelope("normalize.failed", p.source, events.UnrecognizedPayload{
			Channel: src.Channel,
			Event:   src.Event,
			Reason:  reason,
			Raw:     raw,
		}))
		return
	}

	p.bus.Publish(evt.Kind.Topic(), events.NewEnvelope(string(evt.Kind), p.source, *evt))
}
