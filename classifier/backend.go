// Package classifier implements the local and remote classification
// backends behind one interface.
package classifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/develbox-ro/ad-cognition/models"
)

const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

var (
	ErrModelNotLoaded    = errors.New("classifier: model not loaded")
	ErrRemoteUnavailable = errors.New("classifier: remote backend unavailable")
	ErrNoBackend         = errors.New("classifier: no backend available")
)

// RemoteClassificationError is a non-2xx answer from the prediction endpoint.
type RemoteClassificationError struct {
	Status int
	Body   string
}

func (e *RemoteClassificationError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote classification failed: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("remote classification failed: status %d", e.Status)
}

// Backend classifies images. IsAvailable never fails; it only reports
// whether Analyze is worth calling right now.
type Backend interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Analyze(ctx context.Context, img models.RawImage) (*models.Prediction, error)
}
