package httpapi

import (
	"encoding/json"

	"retryq/internal/queue"
	"retryq/internal/registry"
)

// Request inputs are bound by httpin; path params come from chi.

type QueueRequest struct {
	Queue string `in:"path=queue"`
}

type ListTasksRequest struct {
	Queue  string `in:"path=queue"`
	Status string `in:"query=status"`
}

type AddTaskRequest struct {
	Queue string      `in:"path=queue"`
	Body  AddTaskBody `in:"body"`
}

// AddTaskBody is the JSON document accepted by POST .../tasks. Delay is a Go
// duration string such as "30s".
type AddTaskBody struct {
	ID       string          `json:"id,omitempty"`
	Priority int             `json:"priority,omitempty"`
	Delay    string          `json:"delay,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

type TaskRequest struct {
	Queue string `in:"path=queue"`
	ID    string `in:"path=id"`
}

type ClearRequest struct {
	Queue string `in:"path=queue"`
	Scope string `in:"query=scope"`
}

type Task = queue.Task[json.RawMessage]

type ListQueuesResponse struct {
	Queues []registry.Info `json:"queues"`
}

type ListTasksResponse struct {
	Tasks []Task `json:"tasks"`
}

type AddTaskResponse struct {
	ID string `json:"id"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
