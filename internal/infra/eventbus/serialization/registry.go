// Package serialization provides a registry-based system for serializing and
// deserializing domain events carried by an out-of-process event bus. It is
// the translation layer between domain payloads and their wire format.
//
// Serializers are registered per event type, which keeps the wire format out
// of the domain packages and lets new event types be added without touching
// the transport.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/domain/events"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

var (
	mu                   sync.RWMutex
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// ErrNilPayload is returned when a nil payload is serialized.
var ErrNilPayload = errors.New("nil payload")

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	mu.Lock()
	defer mu.Unlock()
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	mu.Lock()
	defer mu.Unlock()
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain object into bytes using the registered serializer for its event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	mu.RLock()
	fn, ok := serializerRegistry[eventType]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts bytes back into a domain object using the registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	mu.RLock()
	fn, ok := deserializerRegistry[eventType]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

// universalEnvelope is the wire frame: the event type travels with the
// payload so a consumer can pick the deserializer.
type universalEnvelope struct {
	Type    events.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// SerializeEventEnvelope serializes the payload and wraps it in a frame
// carrying its type.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	body, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(universalEnvelope{Type: eventType, Payload: body})
}

// UnmarshalUniversalEnvelope splits a frame into its type and payload bytes.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, errors.New("envelope has no event type")
	}
	return env.Type, env.Payload, nil
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers the codecs for every event type the
// booking service publishes.
func RegisterEventSerializers() {
	RegisterSerializeFunc(booking.EventTypeSessionTransitioned, serializeSessionTransitioned)
	RegisterDeserializeFunc(booking.EventTypeSessionTransitioned, deserializeSessionTransitioned)
}

func serializeSessionTransitioned(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case booking.TransitionEvent:
		return json.Marshal(p)
	case *booking.TransitionEvent:
		if p == nil {
			return nil, ErrNilPayload
		}
		return json.Marshal(p)
	default:
		return nil, fmt.Errorf("serializeSessionTransitioned: payload is %T, not booking.TransitionEvent", payload)
	}
}

func deserializeSessionTransitioned(data []byte) (any, error) {
	var evt booking.TransitionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("unmarshal TransitionEvent: %w", err)
	}
	return evt, nil
}
