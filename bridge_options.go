package bridge

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

type option func(*Bridge)

func WithLogger(logger *zap.Logger) option {
	return func(o *Bridge) {
		o.logger = logger
	}
}

func WithCredentialDeriver(deriver CredentialDeriver) option {
	return func(o *Bridge) {
		o.deriver = deriver
	}
}

func WithTransferTopic(fn TransferTopicFunc) option {
	return func(o *Bridge) {
		o.transferTopic = fn
	}
}

func WithWriteTimeout(timeout time.Duration) option {
	return func(o *Bridge) {
		o.writeTimeout = timeout
	}
}

// WithPongWait sets how long a client may stay silent before it is dropped.
// Pings are sent at nine tenths of this interval.
func WithPongWait(wait time.Duration) option {
	return func(o *Bridge) {
		o.pongWait = wait
	}
}

func WithMaxMessageSize(size int64) option {
	return func(o *Bridge) {
		o.maxMessageSize = size
	}
}

func WithCheckOrigin(fn func(r *http.Request) bool) option {
	return func(o *Bridge) {
		o.upgrader.CheckOrigin = fn
	}
}
