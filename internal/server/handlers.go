package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pace-run/pacerun/internal/identity"
	"github.com/pace-run/pacerun/internal/runner"
)

const (
	errorMessageInvalidBody = "invalid request body"
	logMessageSubmitDenied  = "job submission denied"
	logFieldDenyReason      = "reason"
)

type submitJobRequest struct {
	Target    string `json:"target"`
	Count     int    `json:"count"`
	PaceMS    int    `json:"pace_ms"`
	Unbounded bool   `json:"unbounded"`
	BatchSize int    `json:"batch_size"`
}

type submitJobResponse struct {
	JobID    string `json:"job_id"`
	Identity string `json:"identity"`
	Total    int    `json:"total"`
}

func (handler apiHandler) submitJob(ginContext *gin.Context) {
	key, credential, ok := handler.callerIdentity(ginContext)
	if !ok {
		return
	}

	var body submitJobRequest
	if err := ginContext.ShouldBindJSON(&body); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{responseFieldMessage: errorMessageInvalidBody})
		return
	}
	if body.PaceMS < 0 {
		body.PaceMS = 0
	}

	jobID, err := handler.runner.Submit(runner.Request{
		Identity:       key,
		Credential:     credential,
		Target:         body.Target,
		RequestedCount: body.Count,
		Pace:           time.Duration(body.PaceMS) * time.Millisecond,
		Unbounded:      body.Unbounded,
		BatchSize:      body.BatchSize,
	})
	if err != nil {
		handler.replySubmitError(ginContext, key, err)
		return
	}

	record, statusErr := handler.runner.Status(jobID)
	if statusErr != nil {
		ginContext.JSON(http.StatusInternalServerError, gin.H{responseFieldMessage: statusErr.Error()})
		return
	}
	ginContext.JSON(http.StatusCreated, submitJobResponse{
		JobID:    jobID,
		Identity: string(key),
		Total:    record.Total,
	})
}

func (handler apiHandler) replySubmitError(ginContext *gin.Context, key identity.Key, err error) {
	var denied *runner.QuotaDeniedError
	switch {
	case errors.As(err, &denied):
		handler.logger.Info(logMessageSubmitDenied,
			zap.String("identity", string(key)),
			zap.String(logFieldDenyReason, string(denied.Reason)),
		)
		ginContext.JSON(http.StatusTooManyRequests, gin.H{responseFieldMessage: denied.Reason})
	case errors.Is(err, runner.ErrEmptyTarget), errors.Is(err, runner.ErrCountOutOfRange):
		ginContext.JSON(http.StatusBadRequest, gin.H{responseFieldMessage: err.Error()})
	default:
		ginContext.JSON(http.StatusInternalServerError, gin.H{responseFieldMessage: err.Error()})
	}
}

func (handler apiHandler) jobStatus(ginContext *gin.Context) {
	record, err := handler.runner.Status(ginContext.Param(jobIDParameterName))
	if err != nil {
		ginContext.JSON(http.StatusNotFound, gin.H{responseFieldMessage: errorMessageJobNotFound})
		return
	}
	ginContext.JSON(http.StatusOK, record)
}

func (handler apiHandler) stopJob(ginContext *gin.Context) {
	jobID := ginContext.Param(jobIDParameterName)
	if err := handler.runner.Stop(jobID); err != nil {
		ginContext.JSON(http.StatusNotFound, gin.H{responseFieldMessage: errorMessageJobNotFound})
		return
	}
	ginContext.JSON(http.StatusAccepted, gin.H{responseFieldStatus: string(runner.StatusStopped)})
}

func (handler apiHandler) listActiveJobs(ginContext *gin.Context) {
	key, _, ok := handler.callerIdentity(ginContext)
	if !ok {
		return
	}
	active := handler.runner.ActiveJobs(key)
	ginContext.JSON(http.StatusOK, gin.H{"jobs": active, "count": len(active)})
}

func (handler apiHandler) jobLogTail(ginContext *gin.Context) {
	jobID := ginContext.Param(jobIDParameterName)
	if _, err := handler.runner.Status(jobID); err != nil {
		ginContext.JSON(http.StatusNotFound, gin.H{responseFieldMessage: errorMessageJobNotFound})
		return
	}
	limit := parseLimitQuery(ginContext)
	entries := handler.activityLog.Tail(jobID, limit)
	ginContext.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (handler apiHandler) listHistory(ginContext *gin.Context) {
	key, _, ok := handler.callerIdentity(ginContext)
	if !ok {
		return
	}
	entries := handler.history.List(key, parseLimitQuery(ginContext))
	ginContext.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type quotaStatusResponse struct {
	RemainingHour   int `json:"remaining_hour"`
	RemainingToday  int `json:"remaining_today"`
	MaxPerRequest   int `json:"max_per_request"`
	MaxPerHour      int `json:"max_per_hour"`
	MaxPerDay       int `json:"max_per_day"`
	UsedThisHour    int `json:"used_this_hour"`
	UsedToday       int `json:"used_today"`
	TotalLifetime   int `json:"total_lifetime"`
	SuccessLifetime int `json:"success_lifetime"`
	FailureLifetime int `json:"failure_lifetime"`
}

func (handler apiHandler) quotaStatus(ginContext *gin.Context) {
	key, _, ok := handler.callerIdentity(ginContext)
	if !ok {
		return
	}
	snapshot := handler.quota.SnapshotFor(key)
	ginContext.JSON(http.StatusOK, quotaStatusResponse{
		RemainingHour:   snapshot.RemainingHour,
		RemainingToday:  snapshot.RemainingToday,
		MaxPerRequest:   snapshot.MaxPerRequest,
		MaxPerHour:      snapshot.MaxPerHour,
		MaxPerDay:       snapshot.MaxPerDay,
		UsedThisHour:    snapshot.UsedThisHour,
		UsedToday:       snapshot.UsedToday,
		TotalLifetime:   snapshot.TotalLifetime,
		SuccessLifetime: snapshot.SuccessLifetime,
		FailureLifetime: snapshot.FailureLifetime,
	})
}

type recentActivityEntry struct {
	Date        time.Time `json:"date"`
	Success     int       `json:"success"`
	Total       int       `json:"total"`
	SuccessRate int       `json:"success_rate"`
}

type identityStatsResponse struct {
	TotalActions      int                   `json:"total_actions"`
	SuccessfulActions int                   `json:"successful_actions"`
	FailedActions     int                   `json:"failed_actions"`
	SuccessRate       int                   `json:"success_rate"`
	UsedThisHour      int                   `json:"used_this_hour"`
	UsedToday         int                   `json:"used_today"`
	TotalSessions     int                   `json:"total_sessions"`
	AverageActionMS   int64                 `json:"avg_action_ms"`
	RecentActivity    []recentActivityEntry `json:"recent_activity"`
}

func (handler apiHandler) identityStats(ginContext *gin.Context) {
	key, _, ok := handler.callerIdentity(ginContext)
	if !ok {
		return
	}

	snapshot := handler.quota.SnapshotFor(key)
	recentEntries := handler.history.List(key, 5)

	recent := make([]recentActivityEntry, 0, len(recentEntries))
	for _, entry := range recentEntries {
		successRate := 0
		if entry.Total > 0 {
			successRate = entry.SuccessCount * 100 / entry.Total
		}
		recent = append(recent, recentActivityEntry{
			Date:        entry.StartedAt,
			Success:     entry.SuccessCount,
			Total:       entry.Total,
			SuccessRate: successRate,
		})
	}

	allEntries := handler.history.List(key, 0)
	var totalDuration time.Duration
	totalProcessed := 0
	for _, entry := range allEntries {
		totalDuration += entry.Duration
		totalProcessed += entry.SuccessCount + entry.FailureCount
	}
	var averageActionMS int64
	if totalProcessed > 0 {
		averageActionMS = totalDuration.Milliseconds() / int64(totalProcessed)
	}

	successRate := 0
	if performed := snapshot.SuccessLifetime + snapshot.FailureLifetime; performed > 0 {
		successRate = snapshot.SuccessLifetime * 100 / performed
	}

	ginContext.JSON(http.StatusOK, identityStatsResponse{
		TotalActions:      snapshot.TotalLifetime,
		SuccessfulActions: snapshot.SuccessLifetime,
		FailedActions:     snapshot.FailureLifetime,
		SuccessRate:       successRate,
		UsedThisHour:      snapshot.UsedThisHour,
		UsedToday:         snapshot.UsedToday,
		TotalSessions:     handler.history.SessionCount(key),
		AverageActionMS:   averageActionMS,
		RecentActivity:    recent,
	})
}

func (handler apiHandler) clearIdentityData(ginContext *gin.Context) {
	key, _, ok := handler.callerIdentity(ginContext)
	if !ok {
		return
	}
	if ginContext.Query(confirmQueryParameterName) != clearDataConfirmationValue {
		ginContext.JSON(http.StatusBadRequest, gin.H{responseFieldMessage: errorMessageConfirmRequired})
		return
	}

	if err := handler.runner.ForgetIdentity(key); err != nil {
		if errors.Is(err, runner.ErrJobsStillActive) {
			ginContext.JSON(http.StatusConflict, gin.H{responseFieldMessage: errorMessageJobsActive})
			return
		}
		ginContext.JSON(http.StatusInternalServerError, gin.H{responseFieldMessage: err.Error()})
		return
	}
	handler.history.Clear(key)
	handler.quota.Forget(key)
	ginContext.JSON(http.StatusOK, gin.H{responseFieldMessage: "all identity data cleared"})
}

type systemStatusResponse struct {
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	TrackedIdentities int       `json:"tracked_identities"`
	LiveJobs          int       `json:"live_jobs"`
	ActiveJobs        int       `json:"active_jobs"`
	MaxPerRequest     int       `json:"max_per_request"`
	MaxPerHour        int       `json:"max_per_hour"`
	MaxPerDay         int       `json:"max_per_day"`
}

func (handler apiHandler) systemStatus(ginContext *gin.Context) {
	limits := handler.quota.Limits()
	ginContext.JSON(http.StatusOK, systemStatusResponse{
		Status:            healthStatusOK,
		Timestamp:         time.Now().UTC(),
		UptimeSeconds:     int64(time.Since(handler.startedAt).Seconds()),
		TrackedIdentities: handler.quota.TrackedIdentityCount(),
		LiveJobs:          handler.runner.LiveJobCount(),
		ActiveJobs:        handler.runner.ActiveJobCount(),
		MaxPerRequest:     limits.MaxPerRequest,
		MaxPerHour:        limits.MaxPerHour,
		MaxPerDay:         limits.MaxPerDay,
	})
}

func parseLimitQuery(ginContext *gin.Context) int {
	raw := ginContext.Query(limitQueryParameterName)
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}
