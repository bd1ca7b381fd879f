package tracker

import (
	"fmt"
	"time"

	"github.com/google/go-dap"

	dapclient "github.com/ctagard/dap-orchestrator/internal/dap"
)

// DefaultFingerprintCapacity bounds the per-session dedupe cache.
const DefaultFingerprintCapacity = 1500

// messageKind returns the protocol type and the command or event name.
func messageKind(msg dap.Message) (string, string) {
	switch m := msg.(type) {
	case dap.ResponseMessage:
		return "response", m.GetResponse().Command
	case dap.RequestMessage:
		return "request", m.GetRequest().Command
	case dap.EventMessage:
		return "event", m.GetEvent().Event
	}
	return "unknown", ""
}

// fingerprint identifies one logical protocol message.
func fingerprint(dir dapclient.Direction, msg dap.Message) string {
	typ, name := messageKind(msg)
	return fmt.Sprintf("%s|%s|%d|%s", dir, typ, msg.GetSeq(), name)
}

// fingerprintCache remembers recently seen fingerprints, dropping the oldest
// once full. It is not safe for concurrent use.
type fingerprintCache struct {
	capacity int
	seen     map[string]time.Time
	order    []string
}

func newFingerprintCache(capacity int) *fingerprintCache {
	if capacity <= 0 {
		capacity = DefaultFingerprintCapacity
	}
	return &fingerprintCache{
		capacity: capacity,
		seen:     make(map[string]time.Time, capacity),
	}
}

// add records key and reports whether it was new.
func (c *fingerprintCache) add(key string, now time.Time) bool {
	if _, ok := c.seen[key]; ok {
		return false
	}
	for len(c.order) >= c.capacity {
		delete(c.seen, c.order[0])
		c.order = c.order[1:]
	}
	c.seen[key] = now
	c.order = append(c.order, key)
	return true
}

func (c *fingerprintCache) len() int {
	return len(c.seen)
}
