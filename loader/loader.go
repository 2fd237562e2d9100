// Package loader manages the model lifecycle: initial load, hot updates and
// rollback to the backup slot.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/develbox-ro/ad-cognition/classifier"
	"github.com/develbox-ro/ad-cognition/inference"
	"github.com/develbox-ro/ad-cognition/metrics"
	"github.com/develbox-ro/ad-cognition/models"
	"github.com/develbox-ro/ad-cognition/store"
	"github.com/rs/zerolog/log"
)

const (
	MsgUpdated        = "Model successfully updated"
	MsgBackupLoaded   = "Couldn't update the model. Backup loaded"
	MsgUpdateFailed   = "Unable to load model from the server or backup"
	MsgCurrentKept    = "Couldn't update the model. Current model kept"
	versionFromStore  = "stored"
	versionFromBackup = "backup"
)

var (
	ErrLoadFailed   = errors.New("loader: unable to load model")
	ErrUpdateFailed = errors.New("loader: unable to update model")
)

// Fetcher downloads a model artifact.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Config struct {
	// ModelURL is fetched when the active slot is missing or unusable.
	ModelURL string
}

// Loader owns the transitions of one classifier.Local. At most one Load or
// Update runs at a time; inference never waits on either.
type Loader struct {
	store   store.Store
	fetcher Fetcher
	engine  inference.Engine
	local   *classifier.Local

	modelURL string
	sem      chan struct{}

	mu          sync.RWMutex
	state       State
	current     []byte
	lastOutcome *models.UpdateOutcome
	lastErr     error
	updatedAt   time.Time
}

func New(cfg Config, st store.Store, fetcher Fetcher, engine inference.Engine, local *classifier.Local) *Loader {
	return &Loader{
		store:    st,
		fetcher:  fetcher,
		engine:   engine,
		local:    local,
		modelURL: cfg.ModelURL,
		sem:      make(chan struct{}, 1),
		state:    Unloaded,
	}
}

// Status is a snapshot of the loader for reporting.
type Status struct {
	State       State                 `json:"state"`
	LastOutcome *models.UpdateOutcome `json:"last_outcome,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at,omitempty"`
}

func (l *Loader) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loader) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Status{State: l.state, UpdatedAt: l.updatedAt}
	if l.lastOutcome != nil {
		outcome := *l.lastOutcome
		s.LastOutcome = &outcome
	}
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
	}
	return s
}

func (l *Loader) lock(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loader) unlock() {
	<-l.sem
}

func (l *Loader) transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !CanTransition(l.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, l.state, to)
	}
	log.Debug().Stringer("from", l.state).Stringer("to", to).Msg("loader state change")
	l.state = to
	l.updatedAt = time.Now()
	return nil
}

// Load populates the classifier from the active slot, falling back to the
// configured model URL. It is a no-op when a model is already loaded.
func (l *Loader) Load(ctx context.Context) error {
	if err := l.lock(ctx); err != nil {
		return err
	}
	defer l.unlock()

	if l.State() == Loaded {
		return nil
	}
	if err := l.transition(Loading); err != nil {
		return err
	}

	start := time.Now()
	artifact, err := l.store.Load(ctx, store.Active)
	switch {
	case err == nil:
		model, compileErr := l.engine.Compile(artifact)
		if compileErr == nil {
			l.publish(model, artifact, versionFromStore)
			log.Info().Dur("took", time.Since(start)).Msg("model loaded from storage")
			metrics.Incr("model.load", "source:store")
			return l.transition(Loaded)
		}
		log.Warn().Err(compileErr).Msg("stored model is unusable, loading from server")
	case errors.Is(err, store.ErrNotFound):
		log.Debug().Msg("model not found in storage, loading from server")
	default:
		log.Warn().Err(err).Msg("reading stored model failed, loading from server")
	}

	model, artifact, err := l.download(ctx, l.modelURL)
	if err != nil {
		log.Error().Err(err).Str("url", l.modelURL).Msg("unable to load model from server")
		metrics.Incr("model.load.errors")
		l.setLastErr(err)
		if tErr := l.transition(Unloaded); tErr != nil {
			return tErr
		}
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	if err := l.store.Save(ctx, store.Active, artifact); err != nil {
		// The model is usable; it will simply be downloaded again next start.
		log.Warn().Err(err).Msg("unable to persist downloaded model")
	}

	l.publish(model, artifact, l.modelURL)
	log.Info().Str("url", l.modelURL).Dur("took", time.Since(start)).Msg("model loaded from server and saved")
	metrics.Incr("model.load", "source:server")
	return l.transition(Loaded)
}

// Update replaces the model with the one at url. On any failure the backup is
// restored, unless the backup slot could not be refreshed from the running
// model, in which case that model stays. If restoring fails the current
// model, if any, stays in place.
func (l *Loader) Update(ctx context.Context, url string) models.UpdateOutcome {
	if err := l.lock(ctx); err != nil {
		return l.finish(models.UpdateOutcome{Type: models.OutcomeError, Message: MsgUpdateFailed},
			fmt.Errorf("%w: %v", ErrUpdateFailed, err))
	}
	defer l.unlock()

	if err := l.transition(Updating); err != nil {
		return l.finish(models.UpdateOutcome{Type: models.OutcomeError, Message: MsgUpdateFailed}, err)
	}

	start := time.Now()
	backup := l.saveBackup(ctx)

	err := l.install(ctx, url)
	if err == nil {
		log.Info().Str("url", url).Dur("took", time.Since(start)).Msg("model successfully updated")
		metrics.Incr("model.update", "result:success")
		l.settle(Loaded)
		return l.finish(models.UpdateOutcome{Type: models.OutcomeSuccess, Message: MsgUpdated}, nil)
	}

	if backup.inMemory && !backup.saved {
		// The backup slot predates the running model; restoring it would
		// downgrade the classifier.
		log.Warn().Err(err).Str("url", url).Msg("model update failed, keeping current model")
		metrics.Incr("model.update", "result:kept")
		l.settle(Loaded)
		return l.finish(models.UpdateOutcome{Type: models.OutcomeError, Message: MsgCurrentKept},
			fmt.Errorf("%w: %v", ErrUpdateFailed, err))
	}
	log.Warn().Err(err).Str("url", url).Msg("model update failed, restoring backup")

	if backupErr := l.restoreBackup(ctx, backup); backupErr != nil {
		log.Error().Err(backupErr).Msg("unable to load model from the server or backup")
		metrics.Incr("model.update", "result:failed")
		l.settle(Failed)
		return l.finish(models.UpdateOutcome{Type: models.OutcomeError, Message: MsgUpdateFailed},
			fmt.Errorf("%w: %v; backup: %v", ErrUpdateFailed, err, backupErr))
	}

	log.Info().Msg("backup model restored")
	metrics.Incr("model.update", "result:backup")
	l.settle(Loaded)
	return l.finish(models.UpdateOutcome{Type: models.OutcomeError, Message: MsgBackupLoaded},
		fmt.Errorf("%w: %v", ErrUpdateFailed, err))
}

// settle ends an Update. Updating can always move to Loaded or Failed, so an
// error here means the state table itself is wrong.
func (l *Loader) settle(to State) {
	if err := l.transition(to); err != nil {
		log.Error().Err(err).Msg("loader state machine rejected update result")
	}
}

func (l *Loader) finish(outcome models.UpdateOutcome, err error) models.UpdateOutcome {
	l.mu.Lock()
	l.lastOutcome = &outcome
	l.lastErr = err
	l.mu.Unlock()
	return outcome
}

func (l *Loader) setLastErr(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

// backupResult describes what the backup slot holds after saveBackup.
type backupResult struct {
	// artifact is the model the backup slot should hold, nil if none exists.
	artifact []byte
	// inMemory is set when artifact is the running model.
	inMemory bool
	// saved is set when the backup slot was written with artifact.
	saved bool
}

// saveBackup copies the current artifact, or the stored active one, into the
// backup slot. A failed write is logged and reported; the update proceeds.
func (l *Loader) saveBackup(ctx context.Context) backupResult {
	l.mu.RLock()
	current := l.current
	l.mu.RUnlock()

	result := backupResult{artifact: current, inMemory: current != nil}
	if current == nil {
		data, err := l.store.Load(ctx, store.Active)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Warn().Err(err).Msg("unable to read active model for backup")
			}
			return result
		}
		result.artifact = data
	}

	if err := l.store.Save(ctx, store.Backup, result.artifact); err != nil {
		log.Warn().Err(err).Msg("unable to save backup model")
		return result
	}
	result.saved = true
	return result
}

func (l *Loader) install(ctx context.Context, url string) error {
	model, artifact, err := l.download(ctx, url)
	if err != nil {
		return err
	}
	if err := l.store.Save(ctx, store.Active, artifact); err != nil {
		model.Close()
		return err
	}
	l.publish(model, artifact, url)
	return nil
}

// restoreBackup publishes the backup. When the slot could not be refreshed
// the artifact read for it is used instead of the older slot contents.
func (l *Loader) restoreBackup(ctx context.Context, backup backupResult) error {
	artifact := backup.artifact
	if backup.saved || artifact == nil {
		data, err := l.store.Load(ctx, store.Backup)
		if err != nil {
			return err
		}
		artifact = data
	}
	model, err := l.engine.Compile(artifact)
	if err != nil {
		return err
	}
	l.publish(model, artifact, versionFromBackup)
	return nil
}

func (l *Loader) download(ctx context.Context, url string) (inference.Model, []byte, error) {
	if url == "" {
		return nil, nil, errors.New("no model url configured")
	}
	artifact, err := l.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	model, err := l.engine.Compile(artifact)
	if err != nil {
		return nil, nil, err
	}
	return model, artifact, nil
}

// publish warms m up, swaps it into the classifier and closes the model it
// replaced.
func (l *Loader) publish(m inference.Model, artifact []byte, version string) {
	warmUp(m)

	prev := l.local.Swap(m, version)

	l.mu.Lock()
	l.current = artifact
	l.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			log.Warn().Err(err).Msg("closing replaced model failed")
		}
	}
}

func warmUp(m inference.Model) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := m.Run(ctx, make([]float32, inference.InputLen(m))); err != nil {
		log.Warn().Err(err).Msg("model warm-up failed")
		return
	}
	log.Debug().Dur("took", time.Since(start)).Msg("model warmed up")
}
