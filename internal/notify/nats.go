package notify

import "context"

// DefaultSubject is where NATSSink publishes.
const DefaultSubject = "agentq.notify"

// Publisher publishes a JSON-encoded value on a subject.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Notification is the payload NATSSink publishes.
type Notification struct {
	Destination string `json:"destination,omitempty"`
	Message     string `json:"message"`
}

// NATSSink publishes notifications for other services to consume.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink creates a sink publishing on subject, or DefaultSubject if empty.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

func (s *NATSSink) Notify(_ context.Context, destination, message string) error {
	return s.pub.PublishJSON(s.subject, Notification{Destination: destination, Message: message})
}
