package events

import (
	"sort"
	"strings"
	"time"
)

// Exchanges. Each domain owns one topic exchange.
const (
	ExchangeOrder      = "order"
	ExchangeOrderDLX   = "order.dlx"
	ExchangeRestaurant = "restaurant"
	ExchangeDelivery   = "delivery"
)

// Routing keys. They double as Kafka topic names.
const (
	KeyOrderCreated          = "order.created"
	KeyOrderTimeout          = "order.timeout"
	KeyOrderTimeoutDLX       = "order.timeout.dlx"
	KeyOrderTimedOut         = "order.timed-out"
	KeyOrderDecision         = "restaurant.order-decision"
	KeyOrderReady            = "restaurant.order-ready"
	KeyDishChanged           = "restaurant.dish-changed"
	KeyRestaurantStatus      = "restaurant.status-changed"
	KeyDeliveryNewOrder      = "delivery.new-order"
	KeyDeliveryOrderReady    = "delivery.order-ready"
	KeyDeliveryStatusChanged = "delivery.order-status-changed"
)

// Queues. They double as Kafka consumer group ids.
const (
	QueueRestaurantOrderCreated   = "restaurant.order-created"
	QueueRestaurantOrderTimedOut  = "restaurant.order-timed-out"
	QueueRestaurantDeliveryStatus = "restaurant.delivery-status"
	QueueOrderTimeout             = "order.timeout"
	QueueOrderTimeoutDLX          = "order.timeout.dlx"
	QueueOrderDecision            = "order.decision"
	QueueOrderReady               = "order.ready"
	QueueOrderDeliveryStatus      = "order.delivery-status"
	QueueOrderCatalog             = "order.catalog"
	QueueDeliveryNewOrder         = "delivery.new-order"
	QueueDeliveryOrderReady       = "delivery.order-ready"
	QueueDeliveryOrderTimedOut    = "delivery.order-timed-out"
)

// DeadLetterSuffix names the parking queue/topic for messages that can never
// be processed.
const DeadLetterSuffix = ".dlq"

// Route is where an event type is published.
type Route struct {
	Exchange   string
	RoutingKey string
}

var routes = map[string]Route{
	TypeOrderCreated:            {ExchangeOrder, KeyOrderCreated},
	TypeOrderTimeout:            {ExchangeOrder, KeyOrderTimeout},
	TypeOrderTimedOut:           {ExchangeOrder, KeyOrderTimedOut},
	TypeOrderDecision:           {ExchangeRestaurant, KeyOrderDecision},
	TypeOrderReady:              {ExchangeRestaurant, KeyOrderReady},
	TypeDishChanged:             {ExchangeRestaurant, KeyDishChanged},
	TypeRestaurantStatusChanged: {ExchangeRestaurant, KeyRestaurantStatus},
	TypeDeliveryOrder:           {ExchangeDelivery, KeyDeliveryNewOrder},
	TypeOrderReadyForDelivery:   {ExchangeDelivery, KeyDeliveryOrderReady},
	TypeDeliveryStatusChanged:   {ExchangeDelivery, KeyDeliveryStatusChanged},
}

// RouteFor returns the publication route of an event type.
func RouteFor(eventType string) (Route, bool) {
	r, ok := routes[eventType]
	return r, ok
}

type Binding struct {
	Exchange string
	Pattern  string
}

type Queue struct {
	Name     string
	Bindings []Binding

	// TTL and the dead-letter pair turn the queue into a delay line: nothing
	// consumes it, expired messages move to DeadLetterExchange.
	TTL                  time.Duration
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	Consumed             bool
}

// DeadLetterQueue is the parking queue name of a consumed queue.
func (q Queue) DeadLetterQueue() string {
	return q.Name + DeadLetterSuffix
}

type Topology struct {
	Exchanges []string
	Queues    []Queue
}

// Default returns the saga topology with the given restaurant response TTL.
func Default(timeoutTTL time.Duration) Topology {
	bind := func(exchange string, patterns ...string) []Binding {
		out := make([]Binding, 0, len(patterns))
		for _, p := range patterns {
			out = append(out, Binding{Exchange: exchange, Pattern: p})
		}
		return out
	}

	return Topology{
		Exchanges: []string{ExchangeOrder, ExchangeOrderDLX, ExchangeRestaurant, ExchangeDelivery},
		Queues: []Queue{
			{Name: QueueRestaurantOrderCreated, Bindings: bind(ExchangeOrder, KeyOrderCreated), Consumed: true},
			{Name: QueueRestaurantOrderTimedOut, Bindings: bind(ExchangeOrder, KeyOrderTimedOut), Consumed: true},
			{
				Name:                 QueueOrderTimeout,
				Bindings:             bind(ExchangeOrder, KeyOrderTimeout),
				TTL:                  timeoutTTL,
				DeadLetterExchange:   ExchangeOrderDLX,
				DeadLetterRoutingKey: KeyOrderTimeoutDLX,
			},
			{Name: QueueOrderTimeoutDLX, Bindings: bind(ExchangeOrderDLX, KeyOrderTimeoutDLX), Consumed: true},
			{Name: QueueOrderDecision, Bindings: bind(ExchangeRestaurant, KeyOrderDecision), Consumed: true},
			{Name: QueueOrderReady, Bindings: bind(ExchangeRestaurant, KeyOrderReady), Consumed: true},
			{Name: QueueOrderCatalog, Bindings: bind(ExchangeRestaurant, "restaurant.*"), Consumed: true},
			{Name: QueueDeliveryNewOrder, Bindings: bind(ExchangeDelivery, KeyDeliveryNewOrder), Consumed: true},
			{Name: QueueDeliveryOrderReady, Bindings: bind(ExchangeDelivery, KeyDeliveryOrderReady), Consumed: true},
			{Name: QueueDeliveryOrderTimedOut, Bindings: bind(ExchangeOrder, KeyOrderTimedOut), Consumed: true},
			{Name: QueueOrderDeliveryStatus, Bindings: bind(ExchangeDelivery, KeyDeliveryStatusChanged), Consumed: true},
			{Name: QueueRestaurantDeliveryStatus, Bindings: bind(ExchangeDelivery, KeyDeliveryStatusChanged), Consumed: true},
		},
	}
}

// Queue looks up a queue by name.
func (t Topology) Queue(name string) (Queue, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return Queue{}, false
}

// QueuesFor returns the names of all queues a message published on
// exchange with routingKey lands in.
func (t Topology) QueuesFor(exchange, routingKey string) []string {
	var out []string
	for _, q := range t.Queues {
		for _, b := range q.Bindings {
			if b.Exchange == exchange && MatchKey(b.Pattern, routingKey) {
				out = append(out, q.Name)
				break
			}
		}
	}
	return out
}

// Topics expands the bindings of a queue into concrete routing keys. Kafka
// has no wildcard subscriptions, so patterns are matched against every
// routing key the topology knows about.
func (t Topology) Topics(queue string) []string {
	q, ok := t.Queue(queue)
	if !ok {
		return nil
	}

	known := []string{KeyOrderTimeoutDLX}
	for _, r := range routes {
		known = append(known, r.RoutingKey)
	}

	seen := make(map[string]bool)
	var out []string
	for _, b := range q.Bindings {
		for _, key := range known {
			if MatchKey(b.Pattern, key) && !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	sort.Strings(out)
	return out
}

// MatchKey implements AMQP topic matching: "*" matches exactly one word and
// "#" matches zero or more words.
func MatchKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
