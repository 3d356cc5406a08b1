package pipeline

import "fmt"

// Stage names one step of the classification pipeline.
type Stage string

const (
	StageNormalize Stage = "normalize"
	StageDecode    Stage = "decode"
	StageProject   Stage = "project"
	StageTensor    Stage = "tensor"
	StageInfer     Stage = "infer"
	StageRank      Stage = "rank"
)

// StageError annotates a pipeline failure with the stage it came from.
type StageError struct {
	Stage     Stage
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("pipeline.%s (request_id=%s): %v", e.Stage, e.RequestID, e.Err)
	}
	return fmt.Sprintf("pipeline.%s: %v", e.Stage, e.Err)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
