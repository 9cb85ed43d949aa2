package ingest

import "math"

// Rating scales a source may declare.
const (
	ScaleStars5 = "stars5"
	ScaleNPS    = "nps"
	ScaleThumbs = "thumbs"
	ScaleSigned = "signed"
)

// Sentiment maps a rating on scale onto [-1, 1]. It returns nil when there
// is no rating or the scale is unknown.
func Sentiment(rating *float64, scale string) *float64 {
	if rating == nil || math.IsNaN(*rating) {
		return nil
	}
	r := *rating
	var s float64
	switch scale {
	case ScaleStars5:
		s = (r - 3) / 2
	case ScaleNPS:
		s = (r - 5) / 5
	case ScaleThumbs:
		if r >= 0.5 {
			s = 1
		} else {
			s = -1
		}
	case ScaleSigned:
		s = r
	default:
		return nil
	}
	s = math.Max(-1, math.Min(1, s))
	return &s
}
