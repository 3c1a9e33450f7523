package bus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/catalyst-hq/catalyst/pkg/envelope"
)

func TestStreamSubjects_CoverAllEventTypes(t *testing.T) {
	eventTypes := append([]string{}, envelope.Chain...)
	eventTypes = append(eventTypes,
		envelope.TypeTaskFailed,
		envelope.TypeTaskCancelled,
		envelope.TypePublishFailed,
		envelope.TypeExplorerScanRequest,
	)

	for _, eventType := range eventTypes {
		t.Run(eventType, func(t *testing.T) {
			matched := false
			for _, subject := range streamSubjects {
				prefix := strings.TrimSuffix(subject, ">")
				if strings.HasPrefix(eventType, prefix) {
					matched = true
					break
				}
			}
			assert.True(t, matched, "event type %s has no stream subject", eventType)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("nats://localhost:4222")
	assert.Equal(t, "catalyst-events", cfg.StreamName)
	assert.Equal(t, "failed-events", cfg.DLQName)
	assert.Equal(t, 3, cfg.MaxDeliver)
}
