package e2e

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/repository"
)

func TestSubmit_NoAuth(t *testing.T) {
	ta := setupApp(t, false)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs", `{"inputSource":"uploads/alice/a.mp4","requestedFormats":["720p"]}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertErrorCode(t, resp, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestSubmit_ValidationErrors(t *testing.T) {
	ta := setupApp(t, false)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"inputSource":`},
		{"missing source", `{"requestedFormats":["720p"]}`},
		{"no formats", `{"inputSource":"uploads/alice/a.mp4","requestedFormats":[]}`},
		{"unsupported format", `{"inputSource":"uploads/alice/a.mp4","requestedFormats":["720p","4k"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doAuthRequest(t, ta.app, alice, http.MethodPost, "/api/jobs", tt.body)
			assertErrorCode(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")
		})
	}
}

func TestSubmit_ProcessesToCompletion(t *testing.T) {
	ta := setupApp(t, true)
	source := ta.writeSource(t, alice, "clip.mp4")

	job := ta.submit(t, alice, source, "720p", "360p")
	if job.ID == 0 || job.OwnerID != "alice" || job.Progress != 0 {
		t.Fatalf("unexpected submitted job: %+v", job)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job = ta.getJob(t, alice, job.ID)
		if job.Status.IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job still %s after deadline", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != model.JobStatusCompleted || job.Progress != 100 {
		t.Fatalf("job = %s/%d, want COMPLETED/100", job.Status, job.Progress)
	}

	resp := doAuthRequest(t, ta.app, alice, http.MethodGet, fmt.Sprintf("/api/jobs/%d/assets", job.ID), "")
	assertStatus(t, resp, http.StatusOK)
	var assets []model.Asset
	parseJSON(t, resp, &assets)

	types := map[model.AssetType]bool{}
	for _, a := range assets {
		types[a.AssetType] = true
		if !strings.HasPrefix(a.URL, "/files/jobs/") {
			t.Errorf("asset %s url = %q", a.AssetType, a.URL)
		}
	}
	for _, want := range []model.AssetType{
		model.AssetTypeTranscode720, model.AssetTypeTranscode360,
		model.AssetTypeThumbnail, model.AssetTypeGIFPreview, model.AssetTypeMetadataJSON,
	} {
		if !types[want] {
			t.Errorf("missing asset %s", want)
		}
	}

	// Local blobs are served under the public prefix
	thumb := fmt.Sprintf("/files/jobs/%d/thumbnail.jpg", job.ID)
	fileResp, err := doRequest(ta.app, http.MethodGet, thumb, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatus(t, fileResp, http.StatusOK)
	if body := readBody(t, fileResp); body != "jpeg" {
		t.Errorf("thumbnail body = %q", body)
	}
}

func TestSubmit_MissingSourceFails(t *testing.T) {
	ta := setupApp(t, true)

	job := ta.submit(t, alice, "missing.mp4", "480p")

	deadline := time.Now().Add(5 * time.Second)
	for !job.Status.IsTerminal() {
		if time.Now().After(deadline) {
			t.Fatalf("job still %s after deadline", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
		job = ta.getJob(t, alice, job.ID)
	}
	if job.Status != model.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if job.ErrorText == nil || !strings.Contains(*job.ErrorText, "download failed") {
		t.Errorf("errorText = %v", job.ErrorText)
	}
}

func TestGetJob_Ownership(t *testing.T) {
	ta := setupApp(t, false)
	job := ta.submit(t, alice, "a.mp4", "720p")
	path := fmt.Sprintf("/api/jobs/%d", job.ID)

	assertErrorCode(t, doAuthRequest(t, ta.app, bob, http.MethodGet, path, ""), http.StatusForbidden, "FORBIDDEN")
	assertStatus(t, doAuthRequest(t, ta.app, admin, http.MethodGet, path, ""), http.StatusOK)
	assertErrorCode(t, doAuthRequest(t, ta.app, alice, http.MethodGet, "/api/jobs/9999", ""), http.StatusNotFound, "NOT_FOUND")
	assertErrorCode(t, doAuthRequest(t, ta.app, alice, http.MethodGet, "/api/jobs/abc", ""), http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestListJobs_PaginationAndFilter(t *testing.T) {
	ta := setupApp(t, false)
	for i := 0; i < 3; i++ {
		ta.submit(t, alice, fmt.Sprintf("a%d.mp4", i), "720p")
	}
	ta.submit(t, bob, "b.mp4", "720p")
	first := ta.submit(t, alice, "a3.mp4", "480p")

	u := repository.Transition(model.JobStatusPending, model.JobStatusCancelled)
	if _, err := ta.repo.UpdateJob(context.Background(), first.ID, u); err != nil {
		t.Fatal(err)
	}

	var page model.JobListResponse
	resp := doAuthRequest(t, ta.app, alice, http.MethodGet, "/api/jobs?page=2&limit=3", "")
	assertStatus(t, resp, http.StatusOK)
	parseJSON(t, resp, &page)
	if page.Pagination.Total != 4 || page.Pagination.TotalPages != 2 || len(page.Jobs) != 1 {
		t.Errorf("pagination = %+v with %d jobs", page.Pagination, len(page.Jobs))
	}

	resp = doAuthRequest(t, ta.app, alice, http.MethodGet, "/api/jobs?status=cancelled", "")
	assertStatus(t, resp, http.StatusOK)
	parseJSON(t, resp, &page)
	if len(page.Jobs) != 1 || page.Jobs[0].ID != first.ID {
		t.Errorf("filtered jobs = %+v", page.Jobs)
	}

	resp = doAuthRequest(t, ta.app, admin, http.MethodGet, "/api/jobs", "")
	assertStatus(t, resp, http.StatusOK)
	parseJSON(t, resp, &page)
	if page.Pagination.Total != 5 {
		t.Errorf("admin total = %d, want 5", page.Pagination.Total)
	}

	assertErrorCode(t, doAuthRequest(t, ta.app, alice, http.MethodGet, "/api/jobs?status=BOGUS", ""),
		http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestCancelAndDelete(t *testing.T) {
	ta := setupApp(t, false)
	job := ta.submit(t, alice, "a.mp4", "720p")
	path := fmt.Sprintf("/api/jobs/%d", job.ID)

	resp := doAuthRequest(t, ta.app, alice, http.MethodPost, path+"/cancel", "")
	assertStatus(t, resp, http.StatusOK)
	var cancelled model.Job
	parseJSON(t, resp, &cancelled)
	if cancelled.Status != model.JobStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}

	assertErrorCode(t, doAuthRequest(t, ta.app, alice, http.MethodPost, path+"/cancel", ""),
		http.StatusBadRequest, "VALIDATION_ERROR")

	assertErrorCode(t, doAuthRequest(t, ta.app, bob, http.MethodDelete, path, ""), http.StatusForbidden, "FORBIDDEN")
	assertStatus(t, doAuthRequest(t, ta.app, alice, http.MethodDelete, path, ""), http.StatusNoContent)
	assertErrorCode(t, doAuthRequest(t, ta.app, alice, http.MethodGet, path, ""), http.StatusNotFound, "NOT_FOUND")
}

func TestDelete_ActiveJobForbidden(t *testing.T) {
	ta := setupApp(t, false)
	job := ta.submit(t, alice, "a.mp4", "720p")

	u := repository.Transition(model.JobStatusPending, model.JobStatusDownloading)
	if _, err := ta.repo.UpdateJob(context.Background(), job.ID, u); err != nil {
		t.Fatal(err)
	}

	path := fmt.Sprintf("/api/jobs/%d", job.ID)
	assertErrorCode(t, doAuthRequest(t, ta.app, alice, http.MethodDelete, path, ""), http.StatusForbidden, "FORBIDDEN")
	if got := ta.getJob(t, alice, job.ID); got.Status != model.JobStatusDownloading {
		t.Errorf("status = %s after refused delete", got.Status)
	}
}

func TestSubmit_CannotReadOtherOwnersFiles(t *testing.T) {
	ta := setupApp(t, true)
	source := ta.writeSource(t, alice, "clip.mp4")
	job := ta.submit(t, alice, source, "720p")

	deadline := time.Now().Add(5 * time.Second)
	for !job.Status.IsTerminal() {
		if time.Now().After(deadline) {
			t.Fatalf("job still %s after deadline", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
		job = ta.getJob(t, alice, job.ID)
	}

	for _, key := range []string{
		uploadKey(alice, "clip.mp4"),
		fmt.Sprintf("jobs/%d/transcode_720.mp4", job.ID),
	} {
		body := fmt.Sprintf(`{"inputSource": %q, "requestedFormats": ["360p"]}`, key)
		resp := doAuthRequest(t, ta.app, bob, http.MethodPost, "/api/jobs", body)
		assertErrorCode(t, resp, http.StatusForbidden, "FORBIDDEN")
	}
}
