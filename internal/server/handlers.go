package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"deploytool/internal/history"
	"deploytool/internal/layout"
	"deploytool/internal/project"
	"deploytool/internal/release"
	"deploytool/internal/security"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v57/github"
)

const (
	MaxPayloadBytes        = 1_000_000 // 1 MB
	RecentDeploymentsLimit = 10        // Number of recent tasks returned by the status endpoint
)

// HandleWebhook handles GitHub push deliveries for one project environment.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	projectName := chi.URLParam(r, "projectName")
	envName := chi.URLParam(r, "environment")

	if err := security.ValidateProjectName(projectName); err != nil {
		s.Logger.Warn("Invalid project name in webhook request", "project", projectName, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid project name: %v", err)})
		return
	}
	if err := security.ValidateEnvironmentName(envName); err != nil {
		s.Logger.Warn("Invalid environment name in webhook request", "environment", envName, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid environment name: %v", err)})
		return
	}

	proj, env, err := s.Registry.Environment(projectName, envName)
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown project environment"})
		return
	}

	secret, err := env.Secret()
	if err != nil {
		s.Logger.Error("Webhook secret unusable", "project", projectName, "environment", envName, "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Webhook secret misconfigured"})
		return
	}
	if secret == "" {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Webhooks disabled for environment"})
		return
	}

	// ContentLength is -1 when unknown; MaxBytesReader covers that case.
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	if r.Header.Get("Content-Type") != "application/json" {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxPayloadBytes)
	payload, err := github.ValidatePayload(r, []byte(secret))
	if err != nil {
		s.Logger.Warn("Webhook rejected", "project", projectName, "environment", envName, "error", err)
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	}

	eventType := github.WebHookType(r)
	if eventType != "push" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring non-push event"})
		return
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		s.Logger.Error("Failed to parse JSON payload", "error", err, "project", projectName)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}
	push, ok := event.(*github.PushEvent)
	if !ok {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	if push.GetDeleted() {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Branch deleted, skipping"})
		return
	}
	if !env.MatchesRef(push.GetRef()) {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Not target branch, skipping"})
		return
	}

	stamp := push.GetAfter()
	if !layout.IsStamp(stamp) {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing commit in payload"})
		return
	}

	if !s.LockManager.TryLock(projectName, envName) {
		s.Logger.Warn("Deployment already in progress, rejecting", "project", projectName, "environment", envName)
		s.record(r.Context(), env, stamp, history.StatusRejected, "Deployment already in progress", 0)
		s.respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Deployment already in progress"})
		return
	}

	// GitHub gives up on deliveries after 10 seconds, so the deploy runs
	// after the response.
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message":     "Deployment accepted",
		"project":     projectName,
		"environment": envName,
		"stamp":       stamp,
		"delivery":    github.DeliveryID(r),
	})

	s.deployWg.Add(1)
	go func() {
		defer s.deployWg.Done()
		defer s.LockManager.Unlock(projectName, envName)
		s.executeDeployment(context.Background(), proj, env, stamp)
	}()
}

// executeDeployment runs the deployment. Outcomes the release journal does
// not see are recorded in history here.
func (s *Server) executeDeployment(ctx context.Context, proj *project.Project, env *project.Environment, stamp string) {
	start := time.Now()
	err := s.Deployer.Deploy(ctx, proj, env, stamp)
	duration := time.Since(start).Seconds()

	var alreadyDeployed *release.AlreadyDeployedError
	var useRollback *release.UseRollbackInsteadError
	var deployErr *release.DeployError

	switch {
	case err == nil:
		s.Logger.Info("deployment completed", "project", proj.Name, "environment", env.Name, "stamp", stamp, "duration_s", duration)
	case errors.As(err, &alreadyDeployed), errors.As(err, &useRollback):
		s.Logger.Info("deployment skipped", "project", proj.Name, "environment", env.Name, "reason", err)
		s.record(ctx, env, stamp, history.StatusSkipped, err.Error(), duration)
	case errors.As(err, &deployErr):
		s.Logger.Error("deployment failed", "project", proj.Name, "environment", env.Name, "stage", deployErr.Stage, "error", err)
	default:
		s.Logger.Error("deployment failed", "project", proj.Name, "environment", env.Name, "error", err)
		s.record(ctx, env, stamp, history.StatusFailed, err.Error(), duration)
	}
}

func (s *Server) record(ctx context.Context, env *project.Environment, stamp, status, message string, duration float64) {
	if s.History == nil {
		return
	}
	rec := &history.TaskRecord{
		Project:      env.Project,
		Environment:  env.Name,
		Task:         release.TaskDeploy,
		Status:       status,
		Stamp:        stamp,
		User:         history.WebhookUser,
		Trigger:      history.TriggerWebhook,
		ErrorMessage: &message,
	}
	if duration > 0 {
		rec.DurationSeconds = &duration
	}
	if _, err := s.History.RecordTask(context.WithoutCancel(ctx), rec); err != nil {
		s.Logger.Error("Failed to record task history", "error", err, "project", env.Project)
	}
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var environments []string
	for _, name := range s.Registry.List() {
		p, _ := s.Registry.Get(name)
		for _, env := range p.EnvironmentNames() {
			environments = append(environments, name+"/"+env)
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"projects":      s.Registry.List(),
		"project_count": s.Registry.Count(),
		"environments":  environments,
	})
}

// HandleStatus returns the latest and recent tasks of a project environment.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	projectName := chi.URLParam(r, "projectName")
	envName := chi.URLParam(r, "environment")

	if err := security.ValidateProjectName(projectName); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid project name: %v", err)})
		return
	}
	if err := security.ValidateEnvironmentName(envName); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid environment name: %v", err)})
		return
	}

	if _, _, err := s.Registry.Environment(projectName, envName); err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown project environment"})
		return
	}

	if s.History == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "History not available"})
		return
	}

	latest, err := s.History.GetLatestTask(r.Context(), projectName, envName)
	if err != nil {
		s.Logger.Error("Failed to get latest task", "error", err, "project", projectName)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch deployment status"})
		return
	}

	recent, err := s.History.GetTaskHistory(r.Context(), projectName, envName, RecentDeploymentsLimit)
	if err != nil {
		s.Logger.Error("Failed to get task history", "error", err, "project", projectName)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch deployment status"})
		return
	}

	s.respondJSON(w, http.StatusOK, history.EnvironmentStatus{
		Project:       projectName,
		Environment:   envName,
		LatestTask:    latest,
		RecentHistory: recent,
	})
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
