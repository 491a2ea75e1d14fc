package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/reid"
	"github.com/google/uuid"
)

// Writer is the subset of Store the journal writes to.
type Writer interface {
	InsertCapture(ctx context.Context, sessionID uuid.UUID, path string, descriptors int, capturedAt time.Time) (int64, error)
	InsertMatchEvent(ctx context.Context, e MatchEvent) error
}

// Journal records a session's captures and verdict transitions. It only writes
// a match event when the matched/scored state changes, not on every frame.
type Journal struct {
	Store   Writer
	Session uuid.UUID
	Log     *slog.Logger

	last *MatchEvent
}

var _ pipeline.Observer = (*Journal)(nil)

// OnFrame journals the report if the verdict state changed since the last one.
func (j *Journal) OnFrame(ctx context.Context, r *pipeline.Report) {
	e := MatchEvent{
		SessionID:  j.Session,
		FrameIndex: r.Index,
		Score:      r.Verdict.Score,
		Scored:     r.Scored,
		Matched:    r.Scored && r.Verdict.Matched,
		Persons:    len(r.Annotations),
		At:         r.At,
	}
	if j.last != nil && j.last.Scored == e.Scored && j.last.Matched == e.Matched {
		return
	}
	if err := j.Store.InsertMatchEvent(ctx, e); err != nil {
		j.logger().Warn("journal match event failed", "frame", r.Index, "err", err)
		return
	}
	j.last = &e
}

// OnCapture journals a new reference.
func (j *Journal) OnCapture(ctx context.Context, ref *reid.Reference) {
	if _, err := j.Store.InsertCapture(ctx, j.Session, ref.Path, len(ref.Descriptors), ref.CapturedAt); err != nil {
		j.logger().Warn("journal capture failed", "path", ref.Path, "err", err)
	}
}

func (j *Journal) logger() *slog.Logger {
	if j.Log != nil {
		return j.Log
	}
	return slog.Default()
}
