package email

import "context"

// Result is the email sender's verdict on one send.
type Result int

const (
	// TransientError means the message was not accepted.
	TransientError Result = iota
	// Delivered means the provider accepted the message.
	Delivered
)

func (r Result) String() string {
	if r == Delivered {
		return "delivered"
	}
	return "transient_error"
}

// Content is a rendered email.
type Content struct {
	Subject string
	Text    string
	HTML    string
}

// Sender delivers rendered content to one address.
type Sender interface {
	Send(ctx context.Context, address string, content Content) (Result, error)
}
