package inference

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

const rgbChannels = 3

// InitEnvironment loads the onnxruntime shared library once per process.
func InitEnvironment(libraryPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func DestroyEnvironment() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type ONNXConfig struct {
	// InputName and OutputName select graph endpoints; empty means the first.
	InputName  string
	OutputName string
	// ImageSize is used when the graph leaves the spatial dimensions dynamic.
	ImageSize         int
	PoolSize          int
	IntraOpThreads    int
	InterOpThreads    int
	AcquireTimeout    time.Duration
	HealthCheckPeriod time.Duration
}

// ONNXEngine compiles ONNX artifacts held in memory.
type ONNXEngine struct {
	cfg ONNXConfig
}

var _ Engine = (*ONNXEngine)(nil)

func NewONNXEngine(cfg ONNXConfig) *ONNXEngine {
	if cfg.IntraOpThreads <= 0 {
		cfg.IntraOpThreads = runtime.NumCPU()
	}
	if cfg.InterOpThreads <= 0 {
		cfg.InterOpThreads = runtime.NumCPU()
	}
	return &ONNXEngine{cfg: cfg}
}

func (e *ONNXEngine) Compile(artifact []byte) (Model, error) {
	if len(artifact) == 0 {
		return nil, fmt.Errorf("%w: empty artifact", ErrInvalidModel)
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(artifact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	in, err := pickEndpoint(inputs, e.cfg.InputName)
	if err != nil {
		return nil, fmt.Errorf("%w: input: %v", ErrInvalidModel, err)
	}
	out, err := pickEndpoint(outputs, e.cfg.OutputName)
	if err != nil {
		return nil, fmt.Errorf("%w: output: %v", ErrInvalidModel, err)
	}

	inputShape, err := resolveInputShape(in.Dimensions, e.cfg.ImageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	outputShape := resolveOutputShape(out.Dimensions)

	factory := func() (Session, error) {
		session, err := e.newSession(artifact, in.Name, out.Name, inputShape, outputShape)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	pool, err := NewSessionPool(factory, PoolConfig{
		Size:              e.cfg.PoolSize,
		AcquireTimeout:    e.cfg.AcquireTimeout,
		HealthCheckPeriod: e.cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}

	return &PooledModel{pool: pool, inputShape: inputShape}, nil
}

func (e *ONNXEngine) newSession(artifact []byte, inputName, outputName string, inputShape, outputShape ort.Shape) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := configureThreads(options, e.cfg.IntraOpThreads, e.cfg.InterOpThreads); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(
		artifact,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

type threadOptions interface {
	SetIntraOpNumThreads(n int) error
	SetInterOpNumThreads(n int) error
}

func configureThreads(options threadOptions, intra, inter int) error {
	if err := options.SetIntraOpNumThreads(intra); err != nil {
		return fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(inter); err != nil {
		return fmt.Errorf("error setting inter-op threads: %w", err)
	}
	return nil
}

func pickEndpoint(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("graph declares none")
	}
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("no endpoint named %q", name)
}

// resolveInputShape pins a [batch, height, width, 3] input to batch 1 and a
// square spatial size, substituting imageSize for dynamic dimensions.
func resolveInputShape(dims ort.Shape, imageSize int) (ort.Shape, error) {
	if len(dims) != 4 {
		return nil, fmt.Errorf("input rank %d, want 4 (NHWC)", len(dims))
	}
	if dims[3] > 0 && dims[3] != rgbChannels {
		return nil, fmt.Errorf("input has %d channels, want %d", dims[3], rgbChannels)
	}

	height, width := dims[1], dims[2]
	if height <= 0 {
		height = int64(imageSize)
	}
	if width <= 0 {
		width = int64(imageSize)
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("dynamic spatial dimensions and no image size configured")
	}
	if height != width {
		return nil, fmt.Errorf("input is %dx%d, want a square image", height, width)
	}

	return ort.NewShape(1, height, width, rgbChannels), nil
}

func resolveOutputShape(dims ort.Shape) ort.Shape {
	shape := make([]int64, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		shape[i] = d
	}
	if len(shape) == 0 {
		shape = []int64{1}
	}
	return ort.NewShape(shape...)
}

// PooledModel runs inference on a SessionPool.
type PooledModel struct {
	pool       *SessionPool
	inputShape []int64
}

var _ Model = (*PooledModel)(nil)

func NewPooledModel(pool *SessionPool, inputShape []int64) *PooledModel {
	return &PooledModel{pool: pool, inputShape: inputShape}
}

func (m *PooledModel) InputShape() []int64 {
	return m.inputShape
}

func (m *PooledModel) Run(ctx context.Context, input []float32) ([]float32, error) {
	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	out, err := session.Run(input)
	if errors.Is(err, ErrInputSize) {
		m.pool.Release(session)
		return nil, err
	}
	if err != nil {
		m.pool.Discard(session, err)
		return nil, err
	}
	m.pool.Release(session)
	return out, nil
}

func (m *PooledModel) Metrics() PoolMetrics {
	return m.pool.GetMetrics()
}

func (m *PooledModel) Close() error {
	m.pool.Close()
	return nil
}
