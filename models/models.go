package models

// Fixed fine-tuning policy. Every run uses the same dreambooth
// configuration; only the instance prompt and dataset vary per user.
const (
	DefaultMaxTrainSteps    = 1300
	DefaultTrainTextEncoder = false
)

// SubmitRunRequest is the payload for starting a fine-tuning run. The user
// is taken from the URL path.
type SubmitRunRequest struct {
	Prompt     string `json:"prompt"`
	DatasetURL string `json:"dataset_url"`
}

// InvokeRequest is the payload for calling a deployed model.
type InvokeRequest struct {
	Prompt string `json:"prompt"`
}

// FineTuneConfig is the training configuration handed to the platform
// adapter. It is derived from a SubmitRunRequest plus the fixed policy and
// never persisted.
type FineTuneConfig struct {
	InstancePrompt   string
	DatasetURL       string
	TrainTextEncoder bool
	MaxTrainSteps    int
}

// RunData is the presentation view of a tracked run, re-derived from a
// fresh platform snapshot on every read.
type RunData struct {
	Status  string `json:"status,omitempty"`
	ModelID string `json:"model_id,omitempty"`
}

// UserData is the response shape for user-scoped reads. RunID is null for
// users that have never submitted or have been reset.
type UserData struct {
	UserID  string  `json:"user_id"`
	RunID   *string `json:"run_id"`
	RunData RunData `json:"run_data"`
}

// ModelHealth reports whether the user's model is deployed and callable.
// ModelID is set whenever the platform reports a model handle, healthy or
// not.
type ModelHealth struct {
	Healthy bool    `json:"healthy"`
	ModelID *string `json:"model_id"`
}

// SubmitRunResponse returns the identifier of the newly created run.
type SubmitRunResponse struct {
	RunID string `json:"run_id"`
}

// InvokeResponse returns a reference to the model's output.
type InvokeResponse struct {
	OutputRef string `json:"output_ref"`
}

// UploadResponse returns where an uploaded dataset landed and the public
// URL to pass as dataset_url when submitting a run.
type UploadResponse struct {
	Bucket     string `json:"bucket"`
	ObjectKey  string `json:"object_key"`
	DatasetURL string `json:"dataset_url"`
	Size       int64  `json:"size"`
}
