package preprocess

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/develbox-ro/ad-cognition/models"
)

// Tensor is a [1, S, S, 3] float32 array in NHWC order.
type Tensor struct {
	Shape [4]int
	Data  []float32
	pool  *sync.Pool
}

// Release hands the backing buffer back to the preprocessor. The tensor must
// not be used afterwards.
func (t *Tensor) Release() {
	if t == nil || t.pool == nil || t.Data == nil {
		return
	}
	t.pool.Put(t.Data)
	t.Data = nil
}

// Preprocessor turns raw pixel buffers into normalized model input.
type Preprocessor struct {
	size       int
	numWorkers int
	bufferPool *sync.Pool
}

func NewPreprocessor(size int) *Preprocessor {
	if size <= 0 {
		size = DefaultImageSize
	}
	return &Preprocessor{
		size:       size,
		numWorkers: runtime.GOMAXPROCS(0),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]float32, size*size*OutputChannels)
			},
		},
	}
}

func (p *Preprocessor) Size() int {
	return p.size
}

// Preprocess converts img to RGB, resizes it bilinearly to the configured
// square size and scales every value into [0, 1].
func (p *Preprocessor) Preprocess(img models.RawImage) (*Tensor, error) {
	channels, err := ResolveChannels(img)
	if err != nil {
		return nil, err
	}

	rgb := toRGB(img.Pixels, img.Width*img.Height, channels)

	buffer := p.bufferPool.Get().([]float32)
	p.resizeParallel(rgb, img.Width, img.Height, buffer)

	return &Tensor{
		Shape: [4]int{1, p.size, p.size, OutputChannels},
		Data:  buffer,
		pool:  p.bufferPool,
	}, nil
}

// ResolveChannels validates the geometry of img and returns its channel count.
func ResolveChannels(img models.RawImage) (int, error) {
	if img.Width <= 0 || img.Height <= 0 {
		return 0, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidImage, img.Width, img.Height)
	}
	if img.Width > MaxDimension || img.Height > MaxDimension {
		return 0, fmt.Errorf("%w: dimensions %dx%d exceed %d", ErrInvalidImage, img.Width, img.Height, MaxDimension)
	}
	if len(img.Pixels) == 0 {
		return 0, fmt.Errorf("%w: empty pixel buffer", ErrInvalidImage)
	}

	area := img.Width * img.Height
	channels := img.Channels
	if channels == 0 {
		switch len(img.Pixels) {
		case area * 4:
			channels = 4
		case area * 3:
			channels = 3
		case area:
			channels = 1
		default:
			return 0, fmt.Errorf("%w: %d bytes do not fit %dx%d pixels", ErrInvalidImage, len(img.Pixels), img.Width, img.Height)
		}
	}

	switch channels {
	case 1, 3, 4:
	default:
		return 0, fmt.Errorf("%w: unsupported channel count %d", ErrInvalidImage, channels)
	}

	if want := area * channels; len(img.Pixels) != want {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidImage, len(img.Pixels), want)
	}
	return channels, nil
}

// toRGB replicates grayscale and drops alpha so the result is always
// interleaved RGB.
func toRGB(pixels []byte, area, channels int) []byte {
	if channels == OutputChannels {
		return pixels
	}

	rgb := make([]byte, area*OutputChannels)
	for i := 0; i < area; i++ {
		switch channels {
		case 1:
			v := pixels[i]
			rgb[i*3], rgb[i*3+1], rgb[i*3+2] = v, v, v
		case 4:
			copy(rgb[i*3:i*3+3], pixels[i*4:i*4+3])
		}
	}
	return rgb
}

func (p *Preprocessor) resizeParallel(rgb []byte, width, height int, buffer []float32) {
	workers := p.numWorkers
	if workers > p.size {
		workers = p.size
	}
	if workers < 1 {
		workers = 1
	}
	rowsPerWorker := p.size / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if w == workers-1 {
			endRow = p.size
		}

		go func(start, end int) {
			defer wg.Done()
			resizeRows(rgb, width, height, buffer, p.size, start, end)
		}(startRow, endRow)
	}

	wg.Wait()
}

// resizeRows fills output rows [start, end) using bilinear sampling where the
// source coordinate is dst*in/out, without corner alignment or half-pixel
// offsets.
func resizeRows(rgb []byte, width, height int, dst []float32, size, start, end int) {
	rowRatio := float64(height) / float64(size)
	colRatio := float64(width) / float64(size)

	for r := start; r < end; r++ {
		srcRow := rowRatio * float64(r)
		rowFloor := int(math.Floor(srcRow))
		rowCeil := minInt(height-1, int(math.Ceil(srcRow)))
		rowFrac := srcRow - float64(rowFloor)

		topOffset := rowFloor * width * OutputChannels
		bottomOffset := rowCeil * width * OutputChannels
		outOffset := r * size * OutputChannels

		for c := 0; c < size; c++ {
			srcCol := colRatio * float64(c)
			colFloor := int(math.Floor(srcCol))
			colCeil := minInt(width-1, int(math.Ceil(srcCol)))
			colFrac := srcCol - float64(colFloor)

			for ch := 0; ch < OutputChannels; ch++ {
				topLeft := float64(rgb[topOffset+colFloor*OutputChannels+ch])
				topRight := float64(rgb[topOffset+colCeil*OutputChannels+ch])
				bottomLeft := float64(rgb[bottomOffset+colFloor*OutputChannels+ch])
				bottomRight := float64(rgb[bottomOffset+colCeil*OutputChannels+ch])

				top := topLeft + (topRight-topLeft)*colFrac
				bottom := bottomLeft + (bottomRight-bottomLeft)*colFrac
				value := float32(top + (bottom-top)*rowFrac)

				dst[outOffset+c*OutputChannels+ch] = float32(float64(value) / MaxPixelValue)
			}
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
