// Package pipeline wires detection, reference matching and rendering into a
// frame-at-a-time loop.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/andresmejia3/lookout/internal/reid"
	"github.com/andresmejia3/lookout/internal/types"
)

// Detector finds objects in a frame above a confidence threshold.
type Detector interface {
	Detect(ctx context.Context, frame image.Image, conf float64) ([]types.Detection, error)
}

// Renderer draws annotations onto a copy of the frame.
type Renderer interface {
	Render(frame image.Image, anns []types.Annotation) *image.RGBA
}

// Report is everything known about one processed frame.
type Report struct {
	Index       int
	At          time.Time
	Verdict     reid.Verdict
	Scored      bool
	Annotations []types.Annotation
	// Frame is the rendered output, nil when no renderer is configured.
	Frame *image.RGBA
}

// Processor runs the per-frame decision: detect, score once for the whole
// frame, label every person box with that score.
type Processor struct {
	Detector   Detector
	Store      *reid.ReferenceStore
	Scorer     *reid.Scorer
	Renderer   Renderer
	Confidence float64
}

// Process handles a single frame. Every person box shares the frame-level
// verdict; the score is not localised to the box.
func (p *Processor) Process(ctx context.Context, index int, frame image.Image) (*Report, error) {
	if !reid.ValidFrame(frame) {
		return nil, reid.ErrInvalidFrame
	}

	dets, err := p.Detector.Detect(ctx, frame, p.Confidence)
	if err != nil {
		return nil, fmt.Errorf("detect frame %d: %w", index, err)
	}
	persons := types.Persons(dets)

	// One snapshot per frame so a concurrent capture cannot split the record.
	verdict, scored, err := p.Scorer.Score(p.Store.Snapshot(), frame)
	if err != nil {
		return nil, fmt.Errorf("score frame %d: %w", index, err)
	}

	anns := make([]types.Annotation, 0, len(persons))
	for _, d := range persons {
		a := types.Annotation{Detection: d}
		if scored {
			a.Scored = true
			a.Score = verdict.Score
			a.Matched = verdict.Matched
		}
		anns = append(anns, a)
	}

	report := &Report{
		Index:       index,
		At:          time.Now(),
		Verdict:     verdict,
		Scored:      scored,
		Annotations: anns,
	}
	if p.Renderer != nil {
		report.Frame = p.Renderer.Render(frame, anns)
	}
	return report, nil
}
