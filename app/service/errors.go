package service

import (
	"context"
	"errors"
	"fmt"

	"reelflow/app/model"
	"reelflow/app/provider"
	"reelflow/app/provider/instagram"
	"reelflow/app/queue"
	"reelflow/app/store"
)

// ErrorKind 任务失败的分类
type ErrorKind string

const (
	KindTransientProvider  ErrorKind = "transient_provider"
	KindTerminalProvider   ErrorKind = "terminal_provider"
	KindDataIntegrity      ErrorKind = "data_integrity"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
)

var (
	ErrTransientProvider  = errors.New("transient provider error")
	ErrTerminalProvider   = errors.New("terminal provider error")
	ErrDataIntegrity      = errors.New("data integrity error")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrProcessingTimeout 轮询次数用尽仍未得到终态
	ErrProcessingTimeout = errors.New("processing timeout")
)

// JobError 已分类的任务错误
type JobError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *JobError) Unwrap() []error {
	return []error{e.sentinel(), e.Err}
}

// Permanent 数据完整性错误重试也无法恢复
func (e *JobError) Permanent() bool {
	return e.Kind == KindDataIntegrity
}

func (e *JobError) sentinel() error {
	switch e.Kind {
	case KindTerminalProvider:
		return ErrTerminalProvider
	case KindDataIntegrity:
		return ErrDataIntegrity
	case KindStorageUnavailable:
		return ErrStorageUnavailable
	default:
		return ErrTransientProvider
	}
}

func newJobError(kind ErrorKind, op string, err error) *JobError {
	return &JobError{Kind: kind, Op: op, Err: err}
}

func transientErr(op string, err error) error { return newJobError(KindTransientProvider, op, err) }
func terminalErr(op string, err error) error  { return newJobError(KindTerminalProvider, op, err) }
func integrityErr(op string, err error) error { return newJobError(KindDataIntegrity, op, err) }

// KindOf 返回错误分类，未分类的错误按临时错误处理
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	return Classify("", err).(*JobError).Kind
}

// Classify 将底层错误归入任务错误分类，已分类的错误原样返回
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return err
	}

	var statusErr *provider.StatusError
	switch {
	case errors.Is(err, store.ErrVideoNotFound),
		errors.Is(err, store.ErrCredentialNotFound),
		errors.Is(err, store.ErrVideoStatusConflict),
		errors.Is(err, model.ErrInvalidPayload):
		return integrityErr(op, err)
	case errors.Is(err, store.ErrStorage), errors.Is(err, queue.ErrStorageUnavailable):
		return newJobError(KindStorageUnavailable, op, err)
	case errors.As(err, &statusErr):
		if statusErr.Temporary() {
			return transientErr(op, err)
		}
		return terminalErr(op, err)
	case errors.Is(err, provider.ErrEmptyResponse):
		return terminalErr(op, err)
	case errors.Is(err, instagram.ErrPollTimeout), errors.Is(err, context.DeadlineExceeded):
		return transientErr(op, err)
	default:
		return transientErr(op, err)
	}
}
