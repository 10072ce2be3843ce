package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultClientRPS        = 20
	defaultClientBurst      = 40
	clientEntryTTL          = 10 * time.Minute
	clientCleanupInterval   = time.Minute
	anonymousClientKey      = "anonymous"
	clientKeyCredentialTag  = "cred:"
	clientKeyAddressTag     = "ip:"
	rateLimitedMessage      = "request rate limit exceeded"
	logMessageRequestServed = "request served"
	logFieldMethod          = "method"
	logFieldPath            = "path"
	logFieldRequestStatus   = "status"
	logFieldDuration        = "duration"
)

// RateLimitConfig configures the per-client request limiter.
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

func (configuration RateLimitConfig) withDefaults() RateLimitConfig {
	if configuration.RPS <= 0 {
		configuration.RPS = defaultClientRPS
	}
	if configuration.Burst <= 0 {
		configuration.Burst = defaultClientBurst
	}
	return configuration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// requestLimiter holds one token bucket per client key. Idle entries are
// discarded by a background sweep so the map stays bounded.
type requestLimiter struct {
	configuration RateLimitConfig

	mutex   sync.Mutex
	clients map[string]*clientLimiter

	stopOnce sync.Once
	stop     chan struct{}
}

func newRequestLimiter(configuration RateLimitConfig) *requestLimiter {
	limiter := &requestLimiter{
		configuration: configuration.withDefaults(),
		clients:       make(map[string]*clientLimiter),
		stop:          make(chan struct{}),
	}
	if limiter.configuration.Enabled {
		go limiter.cleanupLoop()
	}
	return limiter
}

func (limiter *requestLimiter) cleanupLoop() {
	ticker := time.NewTicker(clientCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-limiter.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-clientEntryTTL)
			limiter.mutex.Lock()
			for clientKey, client := range limiter.clients {
				if client.lastSeen.Before(cutoff) {
					delete(limiter.clients, clientKey)
				}
			}
			limiter.mutex.Unlock()
		}
	}
}

func (limiter *requestLimiter) close() {
	limiter.stopOnce.Do(func() {
		close(limiter.stop)
	})
}

func (limiter *requestLimiter) allow(clientKey string) bool {
	if !limiter.configuration.Enabled {
		return true
	}

	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()

	client, exists := limiter.clients[clientKey]
	if !exists {
		client = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(limiter.configuration.RPS), limiter.configuration.Burst),
		}
		limiter.clients[clientKey] = client
	}
	client.lastSeen = time.Now()
	return client.limiter.Allow()
}

// clientKeyFromRequest buckets requests by hashed credential when present,
// falling back to the client address. The raw credential never becomes a map
// key.
func clientKeyFromRequest(request *http.Request) string {
	if credential := credentialFromHeaders(request); credential != "" {
		return clientKeyCredentialTag + hashSensitive(credential)
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(request.RemoteAddr))
	if err == nil && host != "" {
		return clientKeyAddressTag + host
	}
	if trimmed := strings.TrimSpace(request.RemoteAddr); trimmed != "" {
		return clientKeyAddressTag + trimmed
	}
	return anonymousClientKey
}

func hashSensitive(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}

func rateLimitMiddleware(limiter *requestLimiter, exemptPaths map[string]struct{}) gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		if _, exempt := exemptPaths[ginContext.FullPath()]; exempt {
			ginContext.Next()
			return
		}
		if !limiter.allow(clientKeyFromRequest(ginContext.Request)) {
			ginContext.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{responseFieldMessage: rateLimitedMessage})
			return
		}
		ginContext.Next()
	}
}

func requestLoggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		startedAt := time.Now()
		ginContext.Next()
		logger.Debug(logMessageRequestServed,
			zap.String(logFieldMethod, ginContext.Request.Method),
			zap.String(logFieldPath, ginContext.FullPath()),
			zap.Int(logFieldRequestStatus, ginContext.Writer.Status()),
			zap.Duration(logFieldDuration, time.Since(startedAt)),
		)
	}
}
