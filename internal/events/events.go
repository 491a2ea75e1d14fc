// Package events publishes capture and verdict events to NATS with
// OpenTelemetry trace propagation.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/reid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "lookout"

// CaptureEvent is published when a new reference is installed.
type CaptureEvent struct {
	Session     string    `json:"session"`
	Path        string    `json:"path,omitempty"`
	Descriptors int       `json:"descriptors"`
	CapturedAt  time.Time `json:"captured_at"`
}

// VerdictEvent is published for every processed frame.
type VerdictEvent struct {
	Session string    `json:"session"`
	Frame   int       `json:"frame"`
	Scored  bool      `json:"scored"`
	Score   float64   `json:"score"`
	Matched bool      `json:"matched"`
	Persons int       `json:"persons"`
	At      time.Time `json:"at"`
}

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publish serializes v as JSON and publishes it to subject.
// Trace context from ctx is injected into the message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
	}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return nc.PublishMsg(msg)
}

// Subjects returns the capture and verdict subjects under prefix.
func Subjects(prefix string) (capture, verdict string) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".capture", prefix + ".verdict"
}

// Subscribe decodes JSON messages of type T. Malformed messages are dropped.
// The watch command uses it to follow a live session.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
		handler(ctx, v)
	})
}

// Publisher is a pipeline observer that forwards reports and captures.
type Publisher struct {
	nc      *nats.Conn
	prefix  string
	session string
	owned   bool
	log     *slog.Logger
}

var _ pipeline.Observer = (*Publisher)(nil)

// Connect dials the NATS server at url.
func Connect(url, prefix, session string, log *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("lookout"))
	if err != nil {
		return nil, err
	}
	p := NewPublisher(nc, prefix, session, log)
	p.owned = true
	return p, nil
}

// NewPublisher wraps an existing connection. The caller keeps ownership of nc.
func NewPublisher(nc *nats.Conn, prefix, session string, log *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{nc: nc, prefix: prefix, session: session, log: log}
}

// CaptureSubject is where capture events go.
func (p *Publisher) CaptureSubject() string {
	capture, _ := Subjects(p.prefix)
	return capture
}

// VerdictSubject is where verdict events go.
func (p *Publisher) VerdictSubject() string {
	_, verdict := Subjects(p.prefix)
	return verdict
}

func (p *Publisher) OnFrame(ctx context.Context, r *pipeline.Report) {
	ev := VerdictEvent{
		Session: p.session,
		Frame:   r.Index,
		Scored:  r.Scored,
		Score:   r.Verdict.Score,
		Matched: r.Scored && r.Verdict.Matched,
		Persons: len(r.Annotations),
		At:      r.At,
	}
	if err := Publish(ctx, p.nc, p.VerdictSubject(), ev); err != nil {
		p.log.Warn("publish verdict failed", "frame", r.Index, "err", err)
	}
}

func (p *Publisher) OnCapture(ctx context.Context, ref *reid.Reference) {
	ev := CaptureEvent{
		Session:     p.session,
		Path:        ref.Path,
		Descriptors: len(ref.Descriptors),
		CapturedAt:  ref.CapturedAt,
	}
	if err := Publish(ctx, p.nc, p.CaptureSubject(), ev); err != nil {
		p.log.Warn("publish capture failed", "err", err)
	}
}

// Close flushes pending messages and, if the publisher dialed the
// connection itself, closes it.
func (p *Publisher) Close() error {
	if !p.owned {
		return p.nc.Flush()
	}
	return p.nc.Drain()
}
