package classifier

import (
	"context"
	"testing"
	"time"

	"github.com/develbox-ro/ad-cognition/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	name      string
	available bool
	delay     time.Duration
	panics    bool
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) IsAvailable(ctx context.Context) bool {
	if b.panics {
		panic("probe bug")
	}
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return false
		}
	}
	return b.available
}

func (b *stubBackend) Analyze(context.Context, models.RawImage) (*models.Prediction, error) {
	return &models.Prediction{Backend: b.name}, nil
}

func TestProbeIsAvailable(t *testing.T) {
	p := NewProbe(100 * time.Millisecond)
	ctx := context.Background()

	assert.True(t, p.IsAvailable(ctx, &stubBackend{name: "up", available: true}))
	assert.False(t, p.IsAvailable(ctx, &stubBackend{name: "down"}))
	assert.False(t, p.IsAvailable(ctx, &stubBackend{name: "panics", panics: true}))
	assert.False(t, p.IsAvailable(ctx, nil))
}

func TestProbeTimeout(t *testing.T) {
	p := NewProbe(20 * time.Millisecond)
	slow := &stubBackend{name: "slow", available: true, delay: time.Second}

	start := time.Now()
	assert.False(t, p.IsAvailable(context.Background(), slow))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestProbeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	slow := &stubBackend{name: "slow", available: true, delay: time.Second}
	assert.False(t, NewProbe(time.Second).IsAvailable(ctx, slow))
}

func TestProbeSelect(t *testing.T) {
	p := NewProbe(100 * time.Millisecond)
	down := &stubBackend{name: "local"}
	up := &stubBackend{name: "remote", available: true}

	got, err := p.Select(context.Background(), down, up)
	require.NoError(t, err)
	assert.Equal(t, "remote", got.Name())

	_, err = p.Select(context.Background(), down)
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestProbeStatus(t *testing.T) {
	p := NewProbe(50 * time.Millisecond)
	status := p.Status(context.Background(),
		&stubBackend{name: "local", available: true},
		&stubBackend{name: "remote", delay: time.Second, available: true},
		nil,
	)
	assert.Equal(t, map[string]bool{"local": true, "remote": false}, status)
}
