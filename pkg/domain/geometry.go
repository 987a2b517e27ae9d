package domain

import "fmt"

// Field placement is stored as fractions of the page size so a field placed at
// one zoom level renders at the same spot at any other zoom level or viewport.
// Pixel coordinates exist only at the render boundary.

// PixelRect is a rectangle in page pixels at a specific render scale.
type PixelRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NormalizedRect is a rectangle expressed as fractions of page width/height.
type NormalizedRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// RenderSize is the pixel size of a page as currently rendered.
type RenderSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (s RenderSize) validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return &ValidationError{Field: "pageRenderSize", Reason: fmt.Sprintf("dimensions must be positive, got %gx%g", s.Width, s.Height)}
	}
	return nil
}

// Validate checks that the rectangle lies fully inside the unit square.
func (r NormalizedRect) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return &ValidationError{Field: "rect", Reason: "width and height must be positive"}
	}
	if r.X < 0 || r.Y < 0 {
		return &ValidationError{Field: "rect", Reason: "origin must be >= 0"}
	}
	if r.X+r.Width > 1 {
		return &ValidationError{Field: "rect", Reason: fmt.Sprintf("x+width exceeds page bounds (%g)", r.X+r.Width)}
	}
	if r.Y+r.Height > 1 {
		return &ValidationError{Field: "rect", Reason: fmt.Sprintf("y+height exceeds page bounds (%g)", r.Y+r.Height)}
	}
	return nil
}

// ToNormalized converts a pixel rectangle drawn at the given render size into
// scale-independent fractions.
func ToNormalized(r PixelRect, size RenderSize) (NormalizedRect, error) {
	if err := size.validate(); err != nil {
		return NormalizedRect{}, err
	}
	return NormalizedRect{
		X:      r.X / size.Width,
		Y:      r.Y / size.Height,
		Width:  r.Width / size.Width,
		Height: r.Height / size.Height,
	}, nil
}

// FromNormalized converts normalized fractions back into pixels for the given
// render size.
func FromNormalized(r NormalizedRect, size RenderSize) (PixelRect, error) {
	if err := size.validate(); err != nil {
		return PixelRect{}, err
	}
	return PixelRect{
		X:      r.X * size.Width,
		Y:      r.Y * size.Height,
		Width:  r.Width * size.Width,
		Height: r.Height * size.Height,
	}, nil
}
