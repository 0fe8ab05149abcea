package push

import "context"

// Result is the provider's verdict on one send.
type Result int

const (
	// TransientError means the message was not delivered but the token may still be valid.
	TransientError Result = iota
	// Delivered means the provider accepted the message for the token.
	Delivered
	// InvalidToken means the provider reports the token as unregistered or malformed.
	InvalidToken
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case InvalidToken:
		return "invalid_token"
	default:
		return "transient_error"
	}
}

// Message is the rendered content of one push notification.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Provider delivers a push message to one device token.
type Provider interface {
	Send(ctx context.Context, token string, message Message) (Result, error)
}
