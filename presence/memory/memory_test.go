package memory

import (
	"testing"
	"time"

	"github.com/pairline/pairline/presence/presencetest"
)

func TestMemoryRegistry(t *testing.T) {
	presencetest.RunRegistryTests(t, func(t *testing.T) presencetest.Harness {
		ttl := 300 * time.Millisecond
		return presencetest.Harness{
			Registry: New(WithTTL(ttl)),
			TTL:      ttl,
			Advance:  time.Sleep,
		}
	})
}
