// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"time"

	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/tasks"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// TaskAccepted is returned when an upload has been queued.
type TaskAccepted struct {
	TaskID    core.ID     `json:"task_id"`
	Status    core.Status `json:"status"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}

// TaskResponse is the public view of a task. It omits the server-side source path.
type TaskResponse struct {
	TaskID       core.ID            `json:"task_id"`
	Status       core.Status        `json:"status"`
	CurrentStage core.Stage         `json:"current_stage,omitempty"`
	Progress     float64            `json:"progress_pct"`
	SourceName   string             `json:"source_name"`
	Config       core.ProcessConfig `json:"config"`
	Result       *core.Result       `json:"result,omitempty"`
	Error        *core.TaskError    `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

func newTaskResponse(t *core.Task) TaskResponse {
	resp := TaskResponse{
		TaskID:       t.Id,
		Status:       t.Status,
		CurrentStage: t.CurrentStage,
		Progress:     t.Progress,
		SourceName:   t.Input.Name(),
		Config:       t.Input.Config,
		Result:       t.Result,
		Error:        t.Error,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		resp.CompletedAt = &completed
	}
	return resp
}

type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type SearchResponse struct {
	Query   string           `json:"query"`
	Results []core.SearchHit `json:"results"`
	Total   int              `json:"total"`
}

type HealthResponse struct {
	Status   string          `json:"status"`
	Services map[string]bool `json:"services"`
	Version  string          `json:"version"`
	Queue    tasks.Stats     `json:"queue"`
}
