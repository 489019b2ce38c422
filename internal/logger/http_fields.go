package logger

import (
	"time"

	"go.uber.org/zap"
)

// Request describes a served HTTP request.
type Request struct {
	Method    string
	URI       string
	Status    int
	Latency   time.Duration
	RemoteIP  string
	RequestID string
	Username  string
}

// RequestFields returns the access-log fields for r. Empty strings are left out.
func RequestFields(r Request) []zap.Field {
	fields := []zap.Field{
		zap.Int("status", r.Status),
		zap.Duration("latency", r.Latency),
	}
	return append(fields, StringFields(
		StringField{Key: "method", Value: r.Method},
		StringField{Key: "uri", Value: r.URI},
		StringField{Key: "remote_ip", Value: r.RemoteIP},
		StringField{Key: "request_id", Value: r.RequestID},
		StringField{Key: "username", Value: r.Username},
	)...)
}
