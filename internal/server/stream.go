package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	sseContentType           = "text/event-stream"
	sseKeepaliveInterval     = 15 * time.Second
	sseKeepaliveComment      = ":keepalive\n\n"
	sseEventFormat           = "event: %s\ndata: %s\n\n"
	errorMessageSSEUnsupport = "streaming unsupported"
	contentTypeHeaderName    = "Content-Type"
	cacheControlHeaderName   = "Cache-Control"
	cacheControlNoCache      = "no-cache"
	connectionHeaderName     = "Connection"
	connectionKeepAliveValue = "keep-alive"
)

// streamJobEvents serves the job's progress as Server-Sent Events. The stream
// ends when the job publishes its terminal event, the record is evicted, or
// the client disconnects.
func (handler apiHandler) streamJobEvents(ginContext *gin.Context) {
	jobID := ginContext.Param(jobIDParameterName)
	if _, err := handler.runner.Status(jobID); err != nil {
		ginContext.JSON(http.StatusNotFound, gin.H{responseFieldMessage: errorMessageJobNotFound})
		return
	}

	flusher, supportsFlush := ginContext.Writer.(http.Flusher)
	if !supportsFlush {
		ginContext.JSON(http.StatusInternalServerError, gin.H{responseFieldMessage: errorMessageSSEUnsupport})
		return
	}

	events, cancel := handler.progress.Subscribe(jobID)
	defer cancel()

	ginContext.Header(contentTypeHeaderName, sseContentType)
	ginContext.Header(cacheControlHeaderName, cacheControlNoCache)
	ginContext.Header(connectionHeaderName, connectionKeepAliveValue)
	ginContext.Status(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	clientGone := ginContext.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(ginContext.Writer, sseKeepaliveComment)
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			_, _ = fmt.Fprintf(ginContext.Writer, sseEventFormat, event.Kind, payload)
			flusher.Flush()
		}
	}
}
