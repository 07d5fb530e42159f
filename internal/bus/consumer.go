package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wazo-platform/wazo-websocketd/internal/acl"
	"github.com/wazo-platform/wazo-websocketd/internal/authn"
	"github.com/wazo-platform/wazo-websocketd/internal/wsproto"
)

// queueNamePrefix and tenantExchangePrefix match the naming used by
// _generate_name / _create_tenant_exchange.
const (
	queueNamePrefix        = "wazo-websocketd.user-"
	tenantExchangePrefix   = "wazo-websocketd.tenant-"
	consumerTagPrefix      = "wazo-websocketd-"
)

// Event is one decoded, ACL-approved message handed to a session's
// transmitter task.
type Event struct {
	Name        string
	RequiredACL *string
	Headers     map[string]interface{}
	Payload     interface{}
	Raw         string
}

// ConsumerConfig carries the exchange topology settings a Consumer needs
// that don't belong on the Consumer itself (shared across every session).
type ConsumerConfig struct {
	ExchangeName string
	OriginUUID   string
	Prefetch     int
}

// item is either a successfully filtered Event or the terminal error that
// ends the consumer's stream (BusConnectionLostError, or a close error).
type item struct {
	event *Event
	err   error
}

// Consumer is the per-session AMQP channel + exclusive queue: it owns the
// queue/bindings and exposes a pull-based stream of ACL-filtered events to
// the session.
type Consumer struct {
	id          string
	conn        *Connection
	channel     *amqp.Channel
	logger      logr.Logger
	cfg         ConsumerConfig

	queueName      string
	consumerTag    string
	boundExchange  string

	mu          sync.RWMutex
	token       authn.Token
	accessCheck *acl.AccessCheck
	isAdmin     bool

	bindingsMu sync.Mutex
	bound      map[string]bool

	items    chan item
	closeErr sync.Once
	seq      uint64
}

// Attach opens a channel from conn, declares the tenant sub-exchange if
// needed, declares this session's exclusive queue, and starts consuming.
func Attach(ctx context.Context, conn *Connection, cfg ConsumerConfig, token authn.Token, masterTenantUUID string, logger logr.Logger) (*Consumer, error) {
	ch, err := conn.GetChannel(ctx, true)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		id:      uuid.NewString(),
		conn:    conn,
		channel: ch,
		cfg:     cfg,
		bound:   make(map[string]bool),
		items:   make(chan item, 64),
	}
	c.logger = logger.WithValues("consumer_id", c.id)

	if err := c.setTokenLocked(token, masterTenantUUID); err != nil {
		_ = ch.Close()
		return nil, err
	}

	effectiveExchange := cfg.ExchangeName
	if token.TenantUUID != masterTenantUUID && token.TenantUUID != "" {
		tenantExchange := tenantExchangePrefix + token.TenantUUID
		if err := ch.ExchangeDeclare(tenantExchange, "headers", false, true, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, &wsproto.BusConnectionError{Err: err}
		}
		if err := ch.ExchangeBind(tenantExchange, "", cfg.ExchangeName, false, amqp.Table{
			"x-match":     "all",
			"origin_uuid": cfg.OriginUUID,
			"tenant_uuid": token.TenantUUID,
		}); err != nil {
			_ = ch.Close()
			return nil, &wsproto.BusConnectionError{Err: err}
		}
		effectiveExchange = tenantExchange
	}
	c.boundExchange = effectiveExchange

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, &wsproto.BusConnectionError{Err: err}
	}

	c.queueName = fmt.Sprintf("%s%s.%s", queueNamePrefix, token.UserUUID, uuid.NewString())
	if _, err := ch.QueueDeclare(c.queueName, false, true, true, false, nil); err != nil {
		_ = ch.Close()
		return nil, &wsproto.BusConnectionError{Err: err}
	}

	c.consumerTag = consumerTagPrefix + uuid.NewString()
	deliveries, err := ch.Consume(c.queueName, c.consumerTag, false, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, &wsproto.BusConnectionError{Err: err}
	}

	conn.registerConsumer(c.id, c)
	go c.consumeLoop(deliveries)

	return c, nil
}

// pushLost implements sentinelReceiver; the owning Connection calls it when
// its AMQP connection drops.
func (c *Consumer) pushLost() {
	c.closeErr.Do(func() {
		select {
		case c.items <- item{err: wsproto.BusConnectionLostError{}}:
		default:
		}
	})
}

// Next blocks for the next ACL-approved event, or returns the error that
// ends the stream (connection lost, or ctx cancellation).
func (c *Consumer) Next(ctx context.Context) (*Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case it := <-c.items:
		if it.err != nil {
			return nil, it.err
		}
		return it.event, nil
	}
}

// SetToken replaces the current token and recomputes the AccessCheck.
// Already-bound queues are kept, matching "renewal replaces both".
func (c *Consumer) SetToken(token authn.Token, masterTenantUUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setTokenLocked(token, masterTenantUUID)
}

func (c *Consumer) setTokenLocked(token authn.Token, masterTenantUUID string) error {
	check, err := acl.New(token.UserUUID, token.SessionUUID, token.ACL)
	if err != nil {
		return err
	}
	c.token = token
	c.accessCheck = check
	c.isAdmin = token.IsAdminEquivalent(masterTenantUUID)
	return nil
}

func (c *Consumer) currentToken() (authn.Token, *acl.AccessCheck, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.accessCheck, c.isAdmin
}

// Bind adds the queue bindings for eventName, per the admin-vs-regular-user
// rule in bindingArgs. A consumer built by NewConsumerForTesting has no
// real channel and only records the binding locally.
func (c *Consumer) Bind(eventName string) error {
	if c.channel == nil {
		c.bindingsMu.Lock()
		c.bound[eventName] = true
		c.bindingsMu.Unlock()
		return nil
	}
	return c.churnBindings(eventName, c.channel.QueueBind, true)
}

// Unbind removes the same bindings Bind would have added.
func (c *Consumer) Unbind(eventName string) error {
	if c.channel == nil {
		c.bindingsMu.Lock()
		delete(c.bound, eventName)
		c.bindingsMu.Unlock()
		return nil
	}
	return c.churnBindings(eventName, func(name, key, exchange string, noWait bool, args amqp.Table) error {
		return c.channel.QueueUnbind(name, key, exchange, args)
	}, false)
}

type bindFunc func(name, key, exchange string, noWait bool, args amqp.Table) error

// churnBindings applies fn to every binding argument table eventName
// produces, then records eventName as bound (bind) or removes it (unbind)
// in the local ledger so rebind-after-reconnect stays deterministic.
func (c *Consumer) churnBindings(eventName string, fn bindFunc, bound bool) error {
	_, _, isAdmin := c.currentToken()
	token, _, _ := c.currentToken()

	c.bindingsMu.Lock()
	defer c.bindingsMu.Unlock()

	for _, args := range bindingArgs(eventName, isAdmin, c.cfg.OriginUUID, token.UserUUID) {
		if err := fn(c.queueName, "", c.boundExchange, false, args); err != nil {
			return &wsproto.BusConnectionError{Err: err}
		}
	}
	if bound {
		c.bound[eventName] = true
	} else {
		delete(c.bound, eventName)
	}
	return nil
}

// bindingArgs computes the header-match argument tables for one event name:
// admins get one table on origin_uuid (plus name unless eventName is "*");
// regular users get two tables, each on name plus either their own
// user_uuid:<uuid> or user_uuid:*, with no origin_uuid key (the tenant
// sub-exchange already filters on origin and tenant).
func bindingArgs(eventName string, isAdmin bool, originUUID, userUUID string) []amqp.Table {
	if isAdmin {
		args := amqp.Table{"x-match": "all", "origin_uuid": originUUID}
		if eventName != "*" {
			args["name"] = eventName
		}
		return []amqp.Table{args}
	}

	base := func(key string) amqp.Table {
		return amqp.Table{
			"x-match": "all",
			"name":    eventName,
			key:       true,
		}
	}
	return []amqp.Table{
		base(fmt.Sprintf("user_uuid:%s", userUUID)),
		base("user_uuid:*"),
	}
}

// Close cancels the consumer tag and closes the channel. It does not close
// the underlying Connection, which may be shared by other sessions. A
// consumer built by NewConsumerForTesting has no connection or channel to
// tear down.
func (c *Consumer) Close() error {
	if c.channel == nil {
		return nil
	}
	c.conn.removeConsumer(c.id)
	_ = c.channel.Cancel(c.consumerTag, false)
	return c.channel.Close()
}

func (c *Consumer) consumeLoop(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		ev, handlingErr := c.decode(d)
		_ = d.Ack(true)

		if handlingErr != nil {
			c.logger.V(1).Info("dropping event", "reason", handlingErr.Error())
			continue
		}

		c.seq++
		select {
		case c.items <- item{event: ev}:
		default:
			c.logger.Info("dropping event, consumer not keeping up", "event_seq", c.seq)
		}
	}
}

// decode enforces the malformed-event rules: valid UTF-8 JSON
// object, non-empty name, a present required_acl header whose type is nil
// or string, then the ACL check itself.
func (c *Consumer) decode(d amqp.Delivery) (*Event, error) {
	var payload interface{}
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return nil, &wsproto.InvalidEvent{Reason: "body is not valid JSON: " + err.Error()}
	}
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return nil, &wsproto.InvalidEvent{Reason: "body is not a JSON object"}
	}

	headers := map[string]interface{}(d.Headers)

	name, err := eventName(headers, obj)
	if err != nil {
		return nil, err
	}

	requiredACLRaw, present := headers["required_acl"]
	if !present {
		return nil, &wsproto.EventPermissionError{Reason: "event contains no ACL"}
	}

	var requiredACL *string
	switch v := requiredACLRaw.(type) {
	case nil:
		requiredACL = nil
	case string:
		requiredACL = &v
	default:
		return nil, &wsproto.InvalidEvent{Reason: "required_acl header has an unsupported type"}
	}

	_, check, _ := c.currentToken()
	if check == nil || !check.Matches(requiredACL) {
		return nil, &wsproto.EventPermissionError{Reason: "acl mismatch for event " + name}
	}

	return &Event{
		Name:        name,
		RequiredACL: requiredACL,
		Headers:     headers,
		Payload:     obj,
		Raw:         string(d.Body),
	}, nil
}

func eventName(headers map[string]interface{}, obj map[string]interface{}) (string, error) {
	if v, ok := headers["name"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, nil
		}
	}
	if v, ok := obj["name"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, nil
		}
	}
	return "", &wsproto.InvalidEvent{Reason: "event has no non-empty name"}
}
