package webhooks

import "sort"

// EventType names a webhook event.
type EventType string

// Event vocabulary. The set is closed: subscriptions may only name these.
const (
	EventTokenCreated         EventType = "token.created"
	EventTokenRevoked         EventType = "token.revoked"
	EventClientUpdated        EventType = "client.updated"
	EventClientDeleted        EventType = "client.deleted"
	EventAuthorizationGranted EventType = "authorization.granted"
	EventAuthorizationDenied  EventType = "authorization.denied"
)

var eventDescriptions = map[EventType]string{
	EventTokenCreated:         "An access token was issued to the client",
	EventTokenRevoked:         "An access or refresh token was revoked",
	EventClientUpdated:        "The OAuth client's settings changed",
	EventClientDeleted:        "The OAuth client was deleted",
	EventAuthorizationGranted: "A user approved an authorization request",
	EventAuthorizationDenied:  "A user denied an authorization request",
}

// Limits
const (
	MaxSubscriptionsPerClient = 5
	DefaultMaxAttempts        = 3
	SecretLength              = 32 // bytes of entropy, hex-encoded after SecretPrefix
	SecretPrefix              = "whsec_"
)

// EventInfo documents one event.
type EventInfo struct {
	Name        EventType `json:"name"`
	Description string    `json:"description"`
}

// IsKnownEvent reports whether e is in the vocabulary.
func IsKnownEvent(e EventType) bool {
	_, ok := eventDescriptions[e]
	return ok
}

// Events lists the vocabulary sorted by name.
func Events() []EventInfo {
	out := make([]EventInfo, 0, len(eventDescriptions))
	for name, desc := range eventDescriptions {
		out = append(out, EventInfo{Name: name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
