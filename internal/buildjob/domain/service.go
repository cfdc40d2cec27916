package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
)

type Service interface {
	TriggerBuild(ctx context.Context, req TriggerRequest) (BuildJob, error)
	ReceiveCallback(ctx context.Context, req CallbackRequest) (CallbackResult, error)
	ListJobs(ctx context.Context, req ListRequest) (ListResponse, error)
	GetJob(ctx context.Context, storeID, id snowflake.ID) (BuildJob, error)
	SweepTimedOut(ctx context.Context) (SweepResult, error)
}

// TriggerRequest starts a build. StoreID, when set, must own the template.
type TriggerRequest struct {
	TemplateID string       `json:"template_id"`
	StoreID    snowflake.ID `json:"-"`
}

type CallbackRequest struct {
	JobID       string  `json:"jobId"`
	Status      string  `json:"status"`
	DownloadURL *string `json:"downloadUrl,omitempty"`
	Error       string  `json:"error,omitempty"`
}

type CallbackResult struct {
	Applied bool     `json:"applied"`
	Job     BuildJob `json:"job"`
}

type ListRequest struct {
	StoreID snowflake.ID
	Page    pagination.Page
}

type ListResponse struct {
	Jobs     []BuildJob          `json:"jobs"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type SweepResult struct {
	Failed  int
	Skipped bool
}

// DispatchRequest is the payload handed to the external build system.
type DispatchRequest struct {
	JobID       snowflake.ID
	StoreID     snowflake.ID
	CallbackURL string
	Config      json.RawMessage
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// DispatchError reports a failed call to the external build system.
type DispatchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", ErrExternalDispatch, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", ErrExternalDispatch, e.Err)
	default:
		return ErrExternalDispatch.Error()
	}
}

func (e *DispatchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalDispatch}
	}
	return []error{ErrExternalDispatch, e.Err}
}

var (
	ErrInvalidTemplate    = errors.New("invalid_template")
	ErrInvalidJob         = errors.New("invalid_job")
	ErrInvalidStatus      = errors.New("invalid_status")
	ErrInvalidDownloadURL = errors.New("invalid_download_url")
	ErrInvalidStore       = errors.New("invalid_store")
	ErrNotFound           = errors.New("not_found")
	ErrBuildInProgress    = errors.New("build_in_progress")
	ErrExternalDispatch   = errors.New("external_dispatch_failed")
)
