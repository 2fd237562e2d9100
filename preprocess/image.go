package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/develbox-ro/ad-cognition/models"
	"github.com/disintegration/imaging"
)

const DefaultJPEGQuality = 90

// ToImage wraps a raw pixel buffer in an image.Image without resizing.
func ToImage(img models.RawImage) (image.Image, error) {
	channels, err := ResolveChannels(img)
	if err != nil {
		return nil, err
	}

	rect := image.Rect(0, 0, img.Width, img.Height)
	switch channels {
	case 1:
		gray := image.NewGray(rect)
		copy(gray.Pix, img.Pixels)
		return gray, nil
	case 3:
		out := image.NewNRGBA(rect)
		for i, j := 0, 0; i < len(img.Pixels); i, j = i+3, j+4 {
			out.Pix[j] = img.Pixels[i]
			out.Pix[j+1] = img.Pixels[i+1]
			out.Pix[j+2] = img.Pixels[i+2]
			out.Pix[j+3] = 0xff
		}
		return out, nil
	default:
		out := image.NewNRGBA(rect)
		copy(out.Pix, img.Pixels)
		return out, nil
	}
}

// Decode reads an encoded image (JPEG, PNG, GIF, BMP, TIFF) and flattens it,
// honouring EXIF orientation.
func Decode(r io.Reader, source string) (models.RawImage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.RawImage{}, fmt.Errorf("%w: read: %v", ErrInvalidImage, err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return models.RawImage{}, fmt.Errorf("%w: decode: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return models.RawImage{}, fmt.Errorf("%w: declared dimensions %dx%d", ErrInvalidImage, cfg.Width, cfg.Height)
	}

	decoded, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return models.RawImage{}, fmt.Errorf("%w: decode: %v", ErrInvalidImage, err)
	}
	return FromImage(decoded, source), nil
}

// FromImage flattens a decoded image into a 4-channel RawImage.
func FromImage(src image.Image, source string) models.RawImage {
	nrgba := imaging.Clone(src)
	bounds := nrgba.Bounds()
	return models.RawImage{
		Pixels:   nrgba.Pix,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Channels: 4,
		Source:   source,
	}
}

// EncodeJPEG writes img as a JPEG file.
func EncodeJPEG(w io.Writer, img models.RawImage, quality int) error {
	decoded, err := ToImage(img)
	if err != nil {
		return err
	}
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	if err := imaging.Encode(w, decoded, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return nil
}
