package inference

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestResolveInputShape(t *testing.T) {
	tests := []struct {
		name      string
		dims      ort.Shape
		imageSize int
		want      ort.Shape
		wantErr   bool
	}{
		{"static", ort.NewShape(1, 224, 224, 3), 0, ort.NewShape(1, 224, 224, 3), false},
		{"dynamic batch", ort.NewShape(-1, 256, 256, 3), 0, ort.NewShape(1, 256, 256, 3), false},
		{"dynamic spatial uses configured size", ort.NewShape(-1, -1, -1, 3), 128, ort.NewShape(1, 128, 128, 3), false},
		{"dynamic spatial without size", ort.NewShape(-1, -1, -1, 3), 0, nil, true},
		{"channels first", ort.NewShape(1, 3, 224, 224), 0, nil, true},
		{"rank 3", ort.NewShape(224, 224, 3), 0, nil, true},
		{"not square", ort.NewShape(1, 224, 112, 3), 0, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveInputShape(tt.dims, tt.imageSize)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveOutputShape(t *testing.T) {
	assert.Equal(t, ort.NewShape(1, 2), resolveOutputShape(ort.NewShape(-1, 2)))
	assert.Equal(t, ort.NewShape(1), resolveOutputShape(nil))
}

func TestPickEndpoint(t *testing.T) {
	infos := []ort.InputOutputInfo{{Name: "input_1"}, {Name: "input_2"}}

	got, err := pickEndpoint(infos, "")
	require.NoError(t, err)
	assert.Equal(t, "input_1", got.Name)

	got, err = pickEndpoint(infos, "input_2")
	require.NoError(t, err)
	assert.Equal(t, "input_2", got.Name)

	_, err = pickEndpoint(infos, "missing")
	assert.Error(t, err)

	_, err = pickEndpoint(nil, "")
	assert.Error(t, err)
}

func TestCompileRejectsEmptyArtifact(t *testing.T) {
	_, err := NewONNXEngine(ONNXConfig{}).Compile(nil)
	assert.ErrorIs(t, err, ErrInvalidModel)
}

type recordingThreadOptions struct {
	intra, inter       int
	intraErr, interErr error
}

func (o *recordingThreadOptions) SetIntraOpNumThreads(n int) error {
	o.intra = n
	return o.intraErr
}

func (o *recordingThreadOptions) SetInterOpNumThreads(n int) error {
	o.inter = n
	return o.interErr
}

func TestConfigureThreads(t *testing.T) {
	opts := &recordingThreadOptions{}
	require.NoError(t, configureThreads(opts, 4, 2))
	assert.Equal(t, 4, opts.intra)
	assert.Equal(t, 2, opts.inter)

	rejected := errors.New("invalid thread count")

	err := configureThreads(&recordingThreadOptions{intraErr: rejected}, 4, 2)
	assert.ErrorIs(t, err, rejected)
	assert.Contains(t, err.Error(), "intra-op")

	err = configureThreads(&recordingThreadOptions{interErr: rejected}, 4, 2)
	assert.ErrorIs(t, err, rejected)
	assert.Contains(t, err.Error(), "inter-op")
}
