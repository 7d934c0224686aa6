package messagebus

import (
	"context"
)

// Publisher publishes one message. id is the broker-side deduplication key,
// so republishing after a lost acknowledgement is harmless.
type Publisher interface {
	Publish(ctx context.Context, subject, id string, data []byte) error
}

// Subscriber delivers messages on subjects matching a pattern.
type Subscriber interface {
	Subscribe(subject, consumer string, handler func(subject string, data []byte) error) error
}
