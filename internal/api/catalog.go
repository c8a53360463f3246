package api

import (
	"net/http"
	"time"

	"trase-agent/internal/catalog"
)

type agentView struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toAgentView(a *catalog.Agent) agentView {
	return agentView{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		CreatedAt:   a.CreatedAt.UTC(),
		UpdatedAt:   a.UpdatedAt.UTC(),
	}
}

type taskView struct {
	ID                int64     `json:"id"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	SupportedAgentIDs []int64   `json:"supportedAgentIds"`
	SupportedAgentID  *int64    `json:"supportedAgentId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func toTaskView(t *catalog.Task) taskView {
	ids := t.SupportedAgentIDs
	if ids == nil {
		ids = []int64{}
	}
	return taskView{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		SupportedAgentIDs: ids,
		SupportedAgentID:  t.SingleAgentID(),
		CreatedAt:         t.CreatedAt.UTC(),
		UpdatedAt:         t.UpdatedAt.UTC(),
	}
}

type agentRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type taskRequest struct {
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	SupportedAgentIDs []int64 `json:"supportedAgentIds"`
	SupportedAgentID  *int64  `json:"supportedAgentId"`
}

func (req taskRequest) input() catalog.TaskInput {
	return catalog.TaskInput{
		Title:             req.Title,
		Description:       req.Description,
		SupportedAgentIDs: req.SupportedAgentIDs,
		SupportedAgentID:  req.SupportedAgentID,
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	opts, err := pagingOptions(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agents, err := s.catalog.ListAgents(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, toAgentView(a))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.catalog.GetAgent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toAgentView(agent))
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeBody(r, schemaAgent, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.catalog.CreateAgent(r.Context(), catalog.AgentInput{Name: req.Name, Description: req.Description})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toAgentView(agent))
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req agentRequest
	if err := decodeBody(r, schemaAgent, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.catalog.UpdateAgent(r.Context(), id, catalog.AgentInput{Name: req.Name, Description: req.Description})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toAgentView(agent))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.catalog.DeleteAgent(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := pagingOptions(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tasks, err := s.catalog.ListTasks(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.catalog.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTaskView(task))
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeBody(r, schemaTask, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.catalog.CreateTask(r.Context(), req.input())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toTaskView(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req taskRequest
	if err := decodeBody(r, schemaTask, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.catalog.UpdateTask(r.Context(), id, req.input())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTaskView(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.catalog.DeleteTask(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
