package bus

import (
	"github.com/google/uuid"

	"github.com/wazo-platform/wazo-websocketd/internal/authn"
)

// NewConsumerForTesting builds a Consumer backed by an in-memory item
// channel instead of a real AMQP topology, so callers outside this package
// (internal/session's tests) can exercise the session supervisor against a
// fake event source without a running broker. The returned push/fail
// functions feed the consumer's stream the same way consumeLoop/pushLost
// would from a real delivery channel.
func NewConsumerForTesting(token authn.Token, masterTenantUUID string) (c *Consumer, push func(*Event), fail func(error)) {
	c = &Consumer{
		id:    uuid.NewString(),
		cfg:   ConsumerConfig{OriginUUID: "test-origin"},
		bound: make(map[string]bool),
		items: make(chan item, 64),
	}
	if err := c.setTokenLocked(token, masterTenantUUID); err != nil {
		panic(err)
	}

	push = func(ev *Event) {
		c.items <- item{event: ev}
	}
	fail = func(err error) {
		c.closeErr.Do(func() {
			c.items <- item{err: err}
		})
	}
	return c, push, fail
}
