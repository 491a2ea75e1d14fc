package types

import "image"

// PersonLabel is the detector class the matcher annotates.
const PersonLabel = "person"

// FrameTask represents a single frame sent to a worker for processing
type FrameTask struct {
	Index int
	Data  []byte
}

// Detection is one object reported by the detector worker.
type Detection struct {
	Box        image.Rectangle `json:"box"` // x1,y1 (Min) to x2,y2 (Max) in pixels
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
}

// IsPerson reports whether the detection belongs to the person class.
func (d Detection) IsPerson() bool {
	return d.Label == PersonLabel
}

// Persons filters detections down to the person class.
func Persons(dets []Detection) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.IsPerson() {
			out = append(out, d)
		}
	}
	return out
}

// Annotation is a person detection labelled with the frame-level verdict.
// Scored is false when no reference was available or the frame had no features;
// such boxes are drawn as unmatched.
type Annotation struct {
	Detection
	Matched bool    `json:"matched"`
	Score   float64 `json:"score"`
	Scored  bool    `json:"scored"`
}
