package eventbus

// Topic names. The command side publishes to these; each has one consumer
// loop on the projection side. Vehicles and drivers share the fleet topic.
const (
	TopicDeliveryEvents = "delivery-events"
	TopicRouteEvents    = "route-events"
	TopicFleetEvents    = "fleet-events"
)
