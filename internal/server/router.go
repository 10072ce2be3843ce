// Package server exposes the job runner, quota tracker, and history store
// over HTTP.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pace-run/pacerun/internal/history"
	"github.com/pace-run/pacerun/internal/identity"
	"github.com/pace-run/pacerun/internal/progress"
	"github.com/pace-run/pacerun/internal/quota"
	"github.com/pace-run/pacerun/internal/runlog"
	"github.com/pace-run/pacerun/internal/runner"
)

const (
	healthRoutePath             = "/healthz"
	systemStatusRoutePath       = "/api/v1/status"
	jobsRoutePath               = "/api/v1/jobs"
	jobRoutePath                = "/api/v1/jobs/:jobID"
	jobEventsRoutePath          = "/api/v1/jobs/:jobID/events"
	jobLogRoutePath             = "/api/v1/jobs/:jobID/log"
	jobStopRoutePath            = "/api/v1/jobs/:jobID/stop"
	historyRoutePath            = "/api/v1/history"
	quotaRoutePath              = "/api/v1/quota"
	statsRoutePath              = "/api/v1/stats"
	clearDataRoutePath          = "/api/v1/data"
	jobIDParameterName          = "jobID"
	limitQueryParameterName     = "limit"
	confirmQueryParameterName   = "confirm"
	clearDataConfirmationValue  = "DELETE"
	authorizationHeaderName     = "Authorization"
	credentialHeaderName        = "X-Credential"
	bearerSchemePrefix          = "Bearer "
	responseFieldMessage        = "message"
	responseFieldStatus         = "status"
	healthStatusKey             = "status"
	healthStatusOK              = "ok"
	errorMessageNoCredential    = "credential required"
	errorMessageJobNotFound     = "job not found"
	errorMessageConfirmRequired = "confirmation required: pass confirm=DELETE"
	errorMessageJobsActive      = "cannot clear data while jobs are active"
	ginModeRelease              = "release"
)

// RouterConfig wires the HTTP surface to the core components.
type RouterConfig struct {
	Runner      *runner.Runner
	Quota       *quota.Tracker
	History     *history.Store
	ActivityLog *runlog.Log
	Progress    *progress.Publisher
	Logger      *zap.Logger
	RateLimit   RateLimitConfig
	StartedAt   time.Time
}

// NewRouter constructs a Gin engine with every API route registered. The
// returned shutdown function stops the rate limiter's background sweep; it is
// safe to call more than once.
func NewRouter(configuration RouterConfig) (*gin.Engine, func(), error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	startedAt := configuration.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLoggingMiddleware(logger))

	limiter := newRequestLimiter(configuration.RateLimit)
	exemptPaths := map[string]struct{}{
		healthRoutePath:       {},
		systemStatusRoutePath: {},
	}
	engine.Use(rateLimitMiddleware(limiter, exemptPaths))

	handler := apiHandler{
		runner:      configuration.Runner,
		quota:       configuration.Quota,
		history:     configuration.History,
		activityLog: configuration.ActivityLog,
		progress:    configuration.Progress,
		logger:      logger,
		startedAt:   startedAt,
	}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(systemStatusRoutePath, handler.systemStatus)
	engine.POST(jobsRoutePath, handler.submitJob)
	engine.GET(jobsRoutePath, handler.listActiveJobs)
	engine.GET(jobRoutePath, handler.jobStatus)
	engine.GET(jobEventsRoutePath, handler.streamJobEvents)
	engine.GET(jobLogRoutePath, handler.jobLogTail)
	engine.POST(jobStopRoutePath, handler.stopJob)
	engine.GET(historyRoutePath, handler.listHistory)
	engine.GET(quotaRoutePath, handler.quotaStatus)
	engine.GET(statsRoutePath, handler.identityStats)
	engine.DELETE(clearDataRoutePath, handler.clearIdentityData)

	return engine, limiter.close, nil
}

type apiHandler struct {
	runner      *runner.Runner
	quota       *quota.Tracker
	history     *history.Store
	activityLog *runlog.Log
	progress    *progress.Publisher
	logger      *zap.Logger
	startedAt   time.Time
}

func (handler apiHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

// credentialFromHeaders extracts the opaque credential blob from the bearer
// Authorization header or the X-Credential fallback.
func credentialFromHeaders(request *http.Request) string {
	if authorization := strings.TrimSpace(request.Header.Get(authorizationHeaderName)); authorization != "" {
		if strings.HasPrefix(authorization, bearerSchemePrefix) {
			return strings.TrimSpace(strings.TrimPrefix(authorization, bearerSchemePrefix))
		}
		return authorization
	}
	return strings.TrimSpace(request.Header.Get(credentialHeaderName))
}

// callerIdentity derives the quota key for the request, replying 401 itself
// when no usable credential is present.
func (handler apiHandler) callerIdentity(ginContext *gin.Context) (identity.Key, string, bool) {
	credential := credentialFromHeaders(ginContext.Request)
	key, err := identity.Derive(credential)
	if err != nil {
		if errors.Is(err, identity.ErrEmptyCredential) {
			ginContext.JSON(http.StatusUnauthorized, gin.H{responseFieldMessage: errorMessageNoCredential})
			return "", "", false
		}
		ginContext.JSON(http.StatusInternalServerError, gin.H{responseFieldMessage: err.Error()})
		return "", "", false
	}
	return key, credential, true
}
