package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/basetenlabs/avatar-generation-app-tutorial/apierr"
	"github.com/basetenlabs/avatar-generation-app-tutorial/config"
	"github.com/basetenlabs/avatar-generation-app-tutorial/logger"
	"github.com/basetenlabs/avatar-generation-app-tutorial/models"
	"github.com/basetenlabs/avatar-generation-app-tutorial/runstate"
)

// RecordStore is the persistence contract the orchestrator needs: lazy
// record creation plus an atomic conditional update of the run pointer.
type RecordStore interface {
	GetOrCreate(ctx context.Context, userID string) (*config.UserRecord, error)
	CompareAndSetRunID(ctx context.Context, userID string, expected, next *string) (bool, error)
	SetDatasetRef(ctx context.Context, userID string, ref *string) error
}

// TrainingPlatform is the external training/deployment platform contract.
// Every call must be bounded by a timeout; none may block indefinitely.
type TrainingPlatform interface {
	SubmitJob(ctx context.Context, cfg models.FineTuneConfig, name string) (string, error)
	PollStatus(ctx context.Context, runID string) (runstate.Snapshot, error)
	InvokeDeployedModel(ctx context.Context, modelID, prompt string) (string, error)
}

// UserLocker serializes SubmitRun/Reset per user. Reads take no lock.
type UserLocker interface {
	Acquire(ctx context.Context, userID string) (release func(), err error)
}

const casAttempts = 3

// Orchestrator sequences the fine-tuning run lifecycle: at most one
// tracked run per user, derived state from fresh platform snapshots, and
// race-safe transitions between idle, training, deployed and failed.
type Orchestrator struct {
	store    RecordStore
	platform TrainingPlatform
	locks    UserLocker
	log      *logger.Logger
	now      func() time.Time
}

// New creates a new orchestrator.
func New(store RecordStore, platform TrainingPlatform, locks UserLocker, baseLog *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		platform: platform,
		locks:    locks,
		log:      baseLog.With("component", "Orchestrator"),
		now:      time.Now,
	}
}

// observe polls the platform for the run's snapshot and derives the
// lifecycle state. Poll failures degrade to an UNKNOWN snapshot, which
// derives as still-training; polling is best-effort by contract.
func (o *Orchestrator) observe(ctx context.Context, runID string) (runstate.Snapshot, runstate.State) {
	snap, err := o.platform.PollStatus(ctx, runID)
	if err != nil {
		o.log.Warn("Run status poll failed, treating as in-progress", "run_id", runID, "error", err)
		snap = runstate.Snapshot{Status: runstate.JobUnknown}
	}
	return snap, runstate.Derive(true, snap)
}

// GetUserData loads (creating if absent) the user's record and re-derives
// the presentation state from a fresh snapshot. Pure read: nothing is
// persisted, ever, on this path.
func (o *Orchestrator) GetUserData(ctx context.Context, userID string) (*models.UserData, error) {
	record, err := o.store.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, apierr.Store(err)
	}

	data := &models.UserData{
		UserID:  record.UserID,
		RunID:   record.RunID,
		RunData: models.RunData{},
	}
	if record.RunID == nil {
		return data, nil
	}

	snap, state := o.observe(ctx, *record.RunID)
	data.RunData.Status = string(state)
	if m := snap.DeployedModel; m != nil && state == runstate.StateDeployed {
		data.RunData.ModelID = m.ModelID
	}
	return data, nil
}

// GetModelHealth narrows GetUserData to deployment readiness. healthy is
// true iff the derived state is DEPLOYED; the model id is reported
// whenever the platform knows a handle, ready or not.
func (o *Orchestrator) GetModelHealth(ctx context.Context, userID string) (*models.ModelHealth, error) {
	record, err := o.store.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, apierr.Store(err)
	}
	if record.RunID == nil {
		return &models.ModelHealth{Healthy: false, ModelID: nil}, nil
	}

	snap, state := o.observe(ctx, *record.RunID)
	health := &models.ModelHealth{Healthy: state == runstate.StateDeployed}
	if m := snap.DeployedModel; m != nil {
		id := m.ModelID
		health.ModelID = &id
	}
	return health, nil
}

// Reset forgets the user's run pointer from any state and returns the
// refreshed view. Idempotent. The in-flight platform job, if any, is left
// running: the platform owns it and this core has no cancellation
// contract.
func (o *Orchestrator) Reset(ctx context.Context, userID string) (*models.UserData, error) {
	if err := o.clearRun(ctx, userID); err != nil {
		return nil, err
	}
	// The refresh read runs after the lock is released; the lock only
	// covers the pointer update.
	return o.GetUserData(ctx, userID)
}

func (o *Orchestrator) clearRun(ctx context.Context, userID string) error {
	release, err := o.locks.Acquire(ctx, userID)
	if err != nil {
		return apierr.Lock(err)
	}
	defer release()

	for attempt := 0; attempt < casAttempts; attempt++ {
		record, err := o.store.GetOrCreate(ctx, userID)
		if err != nil {
			return apierr.Store(err)
		}
		if record.RunID == nil {
			return nil
		}
		ok, err := o.store.CompareAndSetRunID(ctx, userID, record.RunID, nil)
		if err != nil {
			return apierr.Store(err)
		}
		if ok {
			if err := o.store.SetDatasetRef(ctx, userID, nil); err != nil {
				return apierr.Store(err)
			}
			o.log.Info("Cleared run pointer", "user_id", userID, "run_id", *record.RunID)
			return nil
		}
		// Pointer moved underneath us; re-read and clear again.
	}
	return nil
}

// SubmitRun validates the request, checks that no run is active, submits
// the job to the platform with a human-traceable name, and records the new
// run id. The per-user lock plus the conditional pointer update make the
// check-submit-record step atomic: of two concurrent submissions for one
// user, exactly one wins.
func (o *Orchestrator) SubmitRun(ctx context.Context, userID, prompt, datasetURL string) (string, error) {
	if err := validateSubmission(userID, prompt, datasetURL); err != nil {
		return "", err
	}

	release, err := o.locks.Acquire(ctx, userID)
	if err != nil {
		return "", apierr.Lock(err)
	}
	defer release()

	record, err := o.store.GetOrCreate(ctx, userID)
	if err != nil {
		return "", apierr.Store(err)
	}
	if record.RunID != nil {
		// Resubmission is only allowed over a failed run. A poll failure
		// here counts as still-training: better to refuse than to
		// double-submit while the platform is unreachable.
		_, state := o.observe(ctx, *record.RunID)
		if !runstate.CanSubmit(state) {
			return "", apierr.Conflict(string(state),
				fmt.Errorf("user %s already has run %s in state %s", userID, *record.RunID, state))
		}
	}

	name := fmt.Sprintf("%s training run %s", userID, o.now().UTC().Format("01/02/2006, 15:04:05"))
	cfg := models.FineTuneConfig{
		InstancePrompt:   prompt,
		DatasetURL:       datasetURL,
		TrainTextEncoder: models.DefaultTrainTextEncoder,
		MaxTrainSteps:    models.DefaultMaxTrainSteps,
	}

	runID, err := o.platform.SubmitJob(ctx, cfg, name)
	if err != nil {
		if apierr.From(err) != nil {
			return "", err
		}
		return "", apierr.Submission(err)
	}

	ok, err := o.store.CompareAndSetRunID(ctx, userID, record.RunID, &runID)
	if err != nil {
		return "", apierr.Store(err)
	}
	if !ok {
		// Someone recorded another run between our read and write. The
		// job we just created is now untracked; surface the conflict.
		o.log.Warn("Run pointer changed during submission, new job is untracked",
			"user_id", userID, "run_id", runID)
		return "", apierr.Conflict(string(runstate.StateTraining),
			fmt.Errorf("user %s gained a run concurrently", userID))
	}

	if err := o.store.SetDatasetRef(ctx, userID, &datasetURL); err != nil {
		// The run is already tracked; the dataset ref is transient
		// bookkeeping and not worth failing the submission over.
		o.log.Warn("Failed to record dataset ref", "user_id", userID, "error", err)
	}

	o.log.Info("Recorded fine-tuning run", "user_id", userID, "run_id", runID, "name", name)
	return runID, nil
}

// InvokeModel calls the deployed model for a run. It is keyed by run id,
// not user: callers may hold a run id without knowing the owning user, and
// the operation mutates no orchestrator-owned state.
func (o *Orchestrator) InvokeModel(ctx context.Context, runID, prompt string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", apierr.Validation(errors.New("run_id must not be empty"))
	}
	if strings.TrimSpace(prompt) == "" {
		return "", apierr.Validation(errors.New("prompt must not be empty"))
	}

	snap, err := o.platform.PollStatus(ctx, runID)
	if err != nil {
		if apierr.From(err) != nil {
			return "", err
		}
		return "", apierr.Unavailable(err)
	}

	state := runstate.Derive(true, snap)
	if !runstate.CanInvoke(state) {
		return "", apierr.NotReady(string(state),
			fmt.Errorf("run %s is %s, not deployed", runID, state))
	}
	return o.platform.InvokeDeployedModel(ctx, snap.DeployedModel.ModelID, prompt)
}

func validateSubmission(userID, prompt, datasetURL string) error {
	if strings.TrimSpace(userID) == "" {
		return apierr.Validation(errors.New("user_id must not be empty"))
	}
	if strings.TrimSpace(prompt) == "" {
		return apierr.Validation(errors.New("prompt must not be empty"))
	}
	parsed, err := url.Parse(datasetURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return apierr.Validation(fmt.Errorf("dataset_url %q is not a well-formed URL", datasetURL))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return apierr.Validation(fmt.Errorf("dataset_url scheme %q is not supported", parsed.Scheme))
	}
	return nil
}
