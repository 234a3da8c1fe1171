package server

import "github.com/raysh454/kansoku/internal/jobs"

// JobView is the API representation of a resolved job.
type JobView struct {
	Index    int    `json:"index" example:"1"`
	GUID     string `json:"guid" example:"3b0b4b0e7d1f2c4f8b1a55a6a1e0d1d4b7c6e5f1"`
	Kind     string `json:"kind" example:"url"`
	Name     string `json:"name" example:"Example"`
	Location string `json:"location" example:"https://example.com/"`
}

func newJobView(j jobs.Job) JobView {
	return JobView{
		Index:    j.Common().IndexNumber,
		GUID:     jobs.GUID(j),
		Kind:     j.Kind(),
		Name:     j.PrettyName(),
		Location: j.Location(),
	}
}

// HistoryEntry is one stored version of a job's data.
type HistoryEntry struct {
	Version int    `json:"version" example:"0"`
	Data    string `json:"data" example:"<html>...</html>"`
}

// HistoryResponse lists stored versions, newest first.
type HistoryResponse struct {
	Job      JobView        `json:"job"`
	Versions []HistoryEntry `json:"versions"`
}

// StartRunRequest optionally restricts a run to some jobs, referenced by
// index number, GUID or location.
type StartRunRequest struct {
	Jobs []string `json:"jobs" example:"[\"1\",\"https://example.com/\"]"`
}

// ErrorResponse is a uniform error payload returned by the API.
type ErrorResponse struct {
	Error string `json:"error" example:"not found"`
}
