package mqtt

import (
	"fmt"
	"strings"
)

// TopicRoot is the first level of every sensorhub topic.
const TopicRoot = "sensorhub"

// Topics builds topic names scoped to a single hub.
//
//	topics := mqtt.Topics{Hub: "sensorhub-01"}
//	topics.Health("mid360_front")
//	// Returns: "sensorhub/sensorhub-01/health/mid360_front"
type Topics struct {
	Hub string
}

func (t Topics) base() string {
	return fmt.Sprintf("%s/%s", TopicRoot, t.Hub)
}

// Status is the retained hub online/offline topic. It carries the LWT.
func (t Topics) Status() string {
	return t.base() + "/status"
}

// Health returns the retained health topic for a sensor.
func (t Topics) Health(sensorID string) string {
	return fmt.Sprintf("%s/health/%s", t.base(), sensorID)
}

// Sample returns the topic carrying rate-limited sample mirrors for a sensor.
func (t Topics) Sample(sensorID string) string {
	return fmt.Sprintf("%s/sample/%s", t.base(), sensorID)
}

// Command returns the topic on which control commands for a sensor arrive.
func (t Topics) Command(sensorID string) string {
	return fmt.Sprintf("%s/command/%s", t.base(), sensorID)
}

// CommandResult returns the topic for command outcomes.
func (t Topics) CommandResult(sensorID string) string {
	return fmt.Sprintf("%s/command_result/%s", t.base(), sensorID)
}

// AllCommands matches commands for every sensor on this hub.
//
// Pattern: sensorhub/{hub}/command/+
func (t Topics) AllCommands() string {
	return t.base() + "/command/+"
}

// AllHealth matches health updates for every sensor on this hub.
func (t Topics) AllHealth() string {
	return t.base() + "/health/+"
}

// SensorFromTopic extracts the trailing sensor id from a per-sensor topic.
// It returns false when the topic is not under this hub or the id is empty.
func (t Topics) SensorFromTopic(topic string) (string, bool) {
	prefix := t.base() + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(topic, prefix)
	idx := strings.IndexByte(rest, '/')
	if idx < 0 || idx == len(rest)-1 {
		return "", false
	}
	id := rest[idx+1:]
	if strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
