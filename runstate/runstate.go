package runstate

// JobStatus is the training platform's status for a fine-tuning run.
type JobStatus string

const (
	JobTraining JobStatus = "TRAINING"
	JobReady    JobStatus = "READY"
	JobFailed   JobStatus = "FAILED"
	JobUnknown  JobStatus = "UNKNOWN"
)

// ModelStatus is the status the platform reports for a deployed model.
type ModelStatus string

const (
	ModelPending ModelStatus = "PENDING"
	ModelReady   ModelStatus = "MODEL_READY"
	ModelFailed  ModelStatus = "MODEL_FAILED"
)

// DeployedModel is the handle of the inference artifact produced by a run.
type DeployedModel struct {
	ModelID string
	Status  ModelStatus
}

// Snapshot is a point-in-time read of a run's external status. It is
// always recomputed from the platform and never persisted.
type Snapshot struct {
	Status        JobStatus
	DeployedModel *DeployedModel
}

// State is the derived lifecycle state of a user's run at an instant.
// It is computed from the stored run pointer plus a live snapshot and is
// never stored itself.
type State string

const (
	StateIdle     State = "IDLE"
	StateTraining State = "TRAINING"
	StateDeployed State = "DEPLOYED"
	StateFailed   State = "FAILED"
)

// Derive computes the lifecycle state. An UNKNOWN job status counts as
// still-in-progress. Deployment readiness is gated on the model handle's
// own status, never inferred from job completion alone: READY with a
// PENDING model handle is still TRAINING.
func Derive(hasRun bool, snap Snapshot) State {
	if !hasRun {
		return StateIdle
	}
	if snap.Status == JobFailed {
		return StateFailed
	}
	if m := snap.DeployedModel; m != nil && m.Status == ModelFailed {
		return StateFailed
	}
	if snap.Status == JobReady {
		if m := snap.DeployedModel; m != nil && m.Status == ModelReady {
			return StateDeployed
		}
	}
	return StateTraining
}

// CanSubmit reports whether a new run may be started from s. A failed run
// may be replaced; an active or deployed one may not.
func CanSubmit(s State) bool {
	return s == StateIdle || s == StateFailed
}

// CanInvoke reports whether the deployed model may be called from s.
func CanInvoke(s State) bool {
	return s == StateDeployed
}

// ParseJobStatus normalizes a platform status string, mapping anything
// unrecognized to UNKNOWN.
func ParseJobStatus(s string) JobStatus {
	switch JobStatus(s) {
	case JobTraining, JobReady, JobFailed:
		return JobStatus(s)
	default:
		return JobUnknown
	}
}

// ParseModelStatus normalizes a platform model status string. Unrecognized
// values are treated as PENDING so readiness is never inferred by accident.
func ParseModelStatus(s string) ModelStatus {
	switch ModelStatus(s) {
	case ModelReady, ModelFailed:
		return ModelStatus(s)
	default:
		return ModelPending
	}
}
