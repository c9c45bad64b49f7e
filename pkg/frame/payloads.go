package frame

// Typed payloads, one per known discriminator. These are decoded at the
// dispatch boundary; fields beyond these are opaque to the transport layer.

// Notification is a server push intended for local notification plumbing.
type Notification struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Route string `json:"route,omitempty"`
}

// ChatMessage is a message delivered into a conversation.
type ChatMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Content        string         `json:"content"`
	Kind           string         `json:"kind,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"createdAt,omitempty"`
}

// DeliveryReceipt reports the delivery state of a previously sent message.
type DeliveryReceipt struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	At        string `json:"at,omitempty"`
}

// PresenceChanged reports a user coming online or going away.
type PresenceChanged struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// ServerError is a server-side error surfaced over the realtime channel.
type ServerError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Pong answers a client ping. Its absence is not treated as fatal.
type Pong struct {
	Timestamp string `json:"timestamp,omitempty"`
}
