package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vidgallery/api/internal/model"
)

// ErrStatusMismatch is returned when a conditional write finds the job in a
// status other than the expected one.
var ErrStatusMismatch = errors.New("job status does not match")

// JobFilter selects jobs for listing. Zero values mean "no constraint".
type JobFilter struct {
	OwnerID       string
	Statuses      []model.JobStatus
	UpdatedBefore time.Time
	CreatedBefore time.Time
	Page          int
	Limit         int
}

func (f JobFilter) offset() int {
	if f.Limit <= 0 || f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// StatusUpdate is a conditional mutation of a job. It only applies while the
// job is in one of From (and, when set, was last updated before UpdatedBefore).
type StatusUpdate struct {
	From          []model.JobStatus
	To            model.JobStatus
	Progress      *int
	ErrorText     *string
	ClearError    bool
	UpdatedBefore time.Time
}

func (u StatusUpdate) validate() error {
	if len(u.From) == 0 {
		return fmt.Errorf("status update requires at least one expected status")
	}
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return fmt.Errorf("progress %d out of range", *u.Progress)
	}
	if u.To == "" {
		return nil
	}
	for _, from := range u.From {
		if from != u.To && !model.CanTransition(from, u.To) {
			return fmt.Errorf("invalid transition %s -> %s", from, u.To)
		}
	}
	return nil
}

// Transition builds an update that moves a job from one status to another.
func Transition(from, to model.JobStatus) StatusUpdate {
	return StatusUpdate{From: []model.JobStatus{from}, To: to}
}

// WithProgress sets the progress written alongside the update.
func (u StatusUpdate) WithProgress(p int) StatusUpdate {
	u.Progress = &p
	return u
}

// WithError sets error_text.
func (u StatusUpdate) WithError(msg string) StatusUpdate {
	u.ErrorText = &msg
	return u
}

// JobRepository is the system of record for jobs and their assets.
type JobRepository interface {
	CreateJob(ctx context.Context, job *model.Job) error
	FindJob(ctx context.Context, id int64) (*model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]model.Job, int, error)
	UpdateJob(ctx context.Context, id int64, u StatusUpdate) (*model.Job, error)
	CountByStatus(ctx context.Context, ownerID string) (map[model.JobStatus]int, error)
	// DeleteJob removes the job and its asset rows in one transaction, provided
	// the job is in one of allowed. The removed assets are returned so their
	// blobs can be deleted afterwards.
	DeleteJob(ctx context.Context, id int64, allowed []model.JobStatus) ([]model.Asset, error)
	CreateAsset(ctx context.Context, asset *model.Asset) error
	ListAssets(ctx context.Context, jobID int64) ([]model.Asset, error)
	Ping(ctx context.Context) error
}

func jobNotFound(id int64) error {
	return model.NewNotFoundError(fmt.Sprintf("job %d not found", id))
}

func containsStatus(list []model.JobStatus, s model.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
