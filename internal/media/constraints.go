package media

// VideoConstraints holds ideal capture settings.
type VideoConstraints struct {
	Width      int
	Height     int
	FrameRate  int
	FacingMode string
}

// Constraints selects which kinds to capture. A nil Video means no camera.
type Constraints struct {
	Audio bool
	Video *VideoConstraints
}

// DefaultConstraints asks for microphone and a 1280x720 front camera.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio: true,
		Video: &VideoConstraints{
			Width:      1280,
			Height:     720,
			FrameRate:  30,
			FacingMode: "user",
		},
	}
}
