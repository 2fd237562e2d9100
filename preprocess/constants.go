package preprocess

const (
	// DefaultImageSize is the square input edge expected by the bundled model.
	DefaultImageSize = 256
	OutputChannels   = 3
	MaxPixelValue    = 255.0

	// MaxDimension bounds each side of an accepted image.
	MaxDimension = 16384
)
