package common

import (
	"errors"
	"fmt"
)

// 定义常见错误类型
var (
	ErrInvalidTopology    = errors.New("invalid topology")
	ErrInsufficientNodes  = errors.New("insufficient nodes")
	ErrRegistryTerminated = errors.New("registry terminated")
	ErrProcessFailure     = errors.New("process failure")
	ErrHealthTimeout      = errors.New("health timeout")
	ErrSweepExpansion     = errors.New("sweep expansion failed")
)

// JobError 带有阶段信息的作业错误
type JobError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *JobError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Cause
}

// NewJobError 创建新的作业错误
func NewJobError(stage, message string, cause error) *JobError {
	return &JobError{
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

// NewValidationError 创建验证错误
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
