package main

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pace-run/pacerun/internal/action"
	"github.com/pace-run/pacerun/internal/capability"
	"github.com/pace-run/pacerun/internal/history"
	"github.com/pace-run/pacerun/internal/progress"
	"github.com/pace-run/pacerun/internal/quota"
	"github.com/pace-run/pacerun/internal/runlog"
	"github.com/pace-run/pacerun/internal/runner"
	"github.com/pace-run/pacerun/internal/server"
)

const (
	commandUse              = "server"
	commandShortDescription = "Serve the paced job runner over HTTP"
	envPrefix               = "PACERUN_SERVER"

	flagHostName        = "host"
	flagHostDescription = "Host interface for the HTTP server"
	flagPortName        = "port"
	flagPortDescription = "Port for the HTTP server"

	flagMaxPerRequestName        = "max-per-request"
	flagMaxPerRequestDescription = "Maximum actions a single job may request"
	flagMaxPerHourName           = "max-per-hour"
	flagMaxPerHourDescription    = "Maximum actions per identity per rolling hour"
	flagMaxPerDayName            = "max-per-day"
	flagMaxPerDayDescription     = "Maximum actions per identity per rolling day"

	flagCapabilityURLName            = "capability-url"
	flagCapabilityURLDescription     = "Page URL to fetch capability tokens from; empty uses --static-token"
	flagCapabilityPatternName        = "capability-pattern"
	flagCapabilityPatternDescription = "Regular expression whose first capture group is the token"
	flagStaticTokenName              = "static-token"
	flagStaticTokenDescription       = "Fixed capability token handed to every job"
	flagActionURLName                = "action-url"
	flagActionURLDescription         = "Endpoint URL actions are posted to; empty runs the simulator"

	flagSimulatedLatencyName             = "simulated-latency"
	flagSimulatedLatencyDescription      = "Per-action latency of the simulated executor"
	flagSimulatedFailureRatioName        = "simulated-failure-ratio"
	flagSimulatedFailureRatioDescription = "Fraction of simulated actions that fail, in [0, 1]"

	flagRetryAttemptsName        = "retry-attempts"
	flagRetryAttemptsDescription = "Attempts per action for transient failures; 1 disables retries"

	flagFailureThresholdName         = "failure-threshold"
	flagFailureThresholdDescription  = "Consecutive non-terminal failures that abort a job"
	flagCapabilityTimeoutName        = "capability-timeout"
	flagCapabilityTimeoutDescription = "Deadline for acquiring the capability token"
	flagActionTimeoutName            = "action-timeout"
	flagActionTimeoutDescription     = "Deadline for each individual action"
	flagRetentionDelayName           = "retention-delay"
	flagRetentionDelayDescription    = "How long finished job records stay queryable"
	flagUnboundedCeilingName         = "unbounded-ceiling"
	flagUnboundedCeilingDescription  = "Implied total for jobs submitted with the unbounded flag"
	flagHistoryCapName               = "history-cap"
	flagHistoryCapDescription        = "Completed jobs retained per identity"
	flagRunLogCapName                = "runlog-cap"
	flagRunLogCapDescription         = "Activity log entries retained per job"
	flagHardCeilingName              = "hard-ceiling"
	flagHardCeilingDescription       = "Maximum count accepted for a bounded job; defaults to max-per-request"
	flagProgressEveryName            = "progress-every"
	flagProgressEveryDescription     = "Publish a progress tick every N actions"
	flagMaxBatchSizeName             = "max-batch-size"
	flagMaxBatchSizeDescription      = "Largest batch size a job may request"

	flagRateLimitName             = "rate-limit"
	flagRateLimitDescription      = "Enable the per-client HTTP rate limiter"
	flagRateLimitRPSName          = "rate-limit-rps"
	flagRateLimitRPSDescription   = "Sustained requests per second allowed per client"
	flagRateLimitBurstName        = "rate-limit-burst"
	flagRateLimitBurstDescription = "Burst size allowed per client"

	defaultHost               = "127.0.0.1"
	defaultPort               = 8080
	defaultStaticToken        = "local-development-token"
	defaultSimulatedLatency   = 50 * time.Millisecond
	defaultRetryAttempts      = 3
	defaultHistoryEntryCap    = 20
	defaultActivityEntryCap   = 100
	defaultProgressBufferSize = 64

	errMessageLoggerCreate      = "create logger"
	errMessageCapabilityCreate  = "create capability provider"
	errMessageExecutorCreate    = "create action executor"
	errMessageInvalidPattern    = "compile capability pattern"
	errMessagePatternRequired   = "capability-pattern is required with capability-url"
	errMessageListenAndServe    = "listen and serve"
	logMessageUsingSimulator    = "no action endpoint configured, using the simulated executor"
	logMessageUsingStaticToken  = "no capability endpoint configured, using a static token"
	logMessageStartingServer    = "starting HTTP server"
	logMessageServerStopped     = "server stopped"
	logMessageListenError       = "server listen failure"
	logFieldAddress             = "address"
	logFieldCapabilityEndpoint  = "capability_endpoint"
	logFieldActionEndpoint      = "action_endpoint"
	logFieldSimulatedLatency    = "simulated_latency"
	logFieldSimulatedFailRatio  = "simulated_failure_ratio"
	logMessageBoundaryEndpoints = "configured external boundaries"
)

func main() {
	cobra.CheckErr(newServerCommand().Execute())
}

func newServerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE:  runServerCommand,
	}

	command.Flags().String(flagHostName, defaultHost, flagHostDescription)
	command.Flags().Int(flagPortName, defaultPort, flagPortDescription)
	command.Flags().Int(flagMaxPerRequestName, 0, flagMaxPerRequestDescription)
	command.Flags().Int(flagMaxPerHourName, 0, flagMaxPerHourDescription)
	command.Flags().Int(flagMaxPerDayName, 0, flagMaxPerDayDescription)
	command.Flags().String(flagCapabilityURLName, "", flagCapabilityURLDescription)
	command.Flags().String(flagCapabilityPatternName, "", flagCapabilityPatternDescription)
	command.Flags().String(flagStaticTokenName, defaultStaticToken, flagStaticTokenDescription)
	command.Flags().String(flagActionURLName, "", flagActionURLDescription)
	command.Flags().Duration(flagSimulatedLatencyName, defaultSimulatedLatency, flagSimulatedLatencyDescription)
	command.Flags().Float64(flagSimulatedFailureRatioName, 0, flagSimulatedFailureRatioDescription)
	command.Flags().Int(flagRetryAttemptsName, defaultRetryAttempts, flagRetryAttemptsDescription)
	command.Flags().Int(flagFailureThresholdName, 0, flagFailureThresholdDescription)
	command.Flags().Duration(flagCapabilityTimeoutName, 0, flagCapabilityTimeoutDescription)
	command.Flags().Duration(flagActionTimeoutName, 0, flagActionTimeoutDescription)
	command.Flags().Duration(flagRetentionDelayName, 0, flagRetentionDelayDescription)
	command.Flags().Int(flagUnboundedCeilingName, 0, flagUnboundedCeilingDescription)
	command.Flags().Int(flagHistoryCapName, defaultHistoryEntryCap, flagHistoryCapDescription)
	command.Flags().Int(flagRunLogCapName, defaultActivityEntryCap, flagRunLogCapDescription)
	command.Flags().Int(flagHardCeilingName, 0, flagHardCeilingDescription)
	command.Flags().Int(flagProgressEveryName, 0, flagProgressEveryDescription)
	command.Flags().Int(flagMaxBatchSizeName, 0, flagMaxBatchSizeDescription)
	command.Flags().Bool(flagRateLimitName, true, flagRateLimitDescription)
	command.Flags().Float64(flagRateLimitRPSName, 0, flagRateLimitRPSDescription)
	command.Flags().Int(flagRateLimitBurstName, 0, flagRateLimitBurstDescription)

	for _, flagName := range []string{
		flagHostName, flagPortName,
		flagMaxPerRequestName, flagMaxPerHourName, flagMaxPerDayName,
		flagCapabilityURLName, flagCapabilityPatternName, flagStaticTokenName,
		flagActionURLName,
		flagSimulatedLatencyName, flagSimulatedFailureRatioName,
		flagRetryAttemptsName,
		flagFailureThresholdName, flagCapabilityTimeoutName, flagActionTimeoutName,
		flagRetentionDelayName, flagUnboundedCeilingName,
		flagHistoryCapName, flagRunLogCapName,
		flagHardCeilingName, flagProgressEveryName, flagMaxBatchSizeName,
		flagRateLimitName, flagRateLimitRPSName, flagRateLimitBurstName,
	} {
		bindFlagToViper(command, flagName)
	}

	cobra.OnInitialize(configureEnvironment)

	return command
}

func bindFlagToViper(command *cobra.Command, flagName string) {
	cobra.CheckErr(viper.BindPFlag(flagName, command.Flags().Lookup(flagName)))
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runServerCommand(*cobra.Command, []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	provider, providerErr := buildCapabilityProvider(logger)
	if providerErr != nil {
		return fmt.Errorf("%s: %w", errMessageCapabilityCreate, providerErr)
	}
	executor, executorErr := buildActionExecutor(logger)
	if executorErr != nil {
		return fmt.Errorf("%s: %w", errMessageExecutorCreate, executorErr)
	}

	quotaTracker := quota.NewTracker(quota.Limits{
		MaxPerRequest: viper.GetInt(flagMaxPerRequestName),
		MaxPerHour:    viper.GetInt(flagMaxPerHourName),
		MaxPerDay:     viper.GetInt(flagMaxPerDayName),
	}, nil)
	historyStore := history.NewStore(viper.GetInt(flagHistoryCapName))
	activityLog := runlog.NewLog(viper.GetInt(flagRunLogCapName), nil)
	publisher := progress.NewPublisher(defaultProgressBufferSize)

	jobRunner := runner.NewRunner(runner.Config{
		Quota:       quotaTracker,
		Capability:  provider,
		Executor:    executor,
		Progress:    publisher,
		History:     historyStore,
		ActivityLog: activityLog,
		Logger:      logger,
		Policy:      buildRunnerPolicy(),
	})

	router, shutdownRouter, routerErr := server.NewRouter(server.RouterConfig{
		Runner:      jobRunner,
		Quota:       quotaTracker,
		History:     historyStore,
		ActivityLog: activityLog,
		Progress:    publisher,
		Logger:      logger,
		RateLimit: server.RateLimitConfig{
			Enabled: viper.GetBool(flagRateLimitName),
			RPS:     viper.GetFloat64(flagRateLimitRPSName),
			Burst:   viper.GetInt(flagRateLimitBurstName),
		},
		StartedAt: time.Now(),
	})
	if routerErr != nil {
		return routerErr
	}
	defer shutdownRouter()

	host := viper.GetString(flagHostName)
	port := viper.GetInt(flagPortName)
	address := fmt.Sprintf("%s:%d", host, port)
	logger.Info(logMessageStartingServer, zap.String(logFieldAddress, address))

	httpServer := &http.Server{Addr: address, Handler: router}
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(logMessageListenError, zap.Error(err))
		return fmt.Errorf("%s: %w", errMessageListenAndServe, err)
	}

	logger.Info(logMessageServerStopped)
	return nil
}

// buildRunnerPolicy collects every runner tunable from configuration. The
// hard ceiling follows the per-request quota limit unless set explicitly, so
// raising one without the other cannot silently reject admissible counts.
func buildRunnerPolicy() runner.Policy {
	hardCeiling := viper.GetInt(flagHardCeilingName)
	if hardCeiling <= 0 {
		hardCeiling = viper.GetInt(flagMaxPerRequestName)
	}
	return runner.Policy{
		HardCeiling:                 hardCeiling,
		UnboundedCeiling:            viper.GetInt(flagUnboundedCeilingName),
		ConsecutiveFailureThreshold: viper.GetInt(flagFailureThresholdName),
		CapabilityTimeout:           viper.GetDuration(flagCapabilityTimeoutName),
		ActionTimeout:               viper.GetDuration(flagActionTimeoutName),
		RetentionDelay:              viper.GetDuration(flagRetentionDelayName),
		ProgressEveryN:              viper.GetInt(flagProgressEveryName),
		MaxBatchSize:                viper.GetInt(flagMaxBatchSizeName),
	}
}

// buildCapabilityProvider returns the HTTP provider when a capability page is
// configured and a static provider otherwise.
func buildCapabilityProvider(logger *zap.Logger) (capability.Provider, error) {
	pageURL := strings.TrimSpace(viper.GetString(flagCapabilityURLName))
	if pageURL == "" {
		logger.Info(logMessageUsingStaticToken)
		return capability.StaticProvider{Token: viper.GetString(flagStaticTokenName)}, nil
	}

	pattern := strings.TrimSpace(viper.GetString(flagCapabilityPatternName))
	if pattern == "" {
		return nil, errors.New(errMessagePatternRequired)
	}
	compiled, compileErr := regexp.Compile(pattern)
	if compileErr != nil {
		return nil, fmt.Errorf("%s: %w", errMessageInvalidPattern, compileErr)
	}

	logger.Info(logMessageBoundaryEndpoints, zap.String(logFieldCapabilityEndpoint, pageURL))
	return capability.NewHTTPProvider(capability.HTTPConfig{
		PageURL: pageURL,
		Extract: func(body string) (string, bool) {
			matches := compiled.FindStringSubmatch(body)
			if len(matches) < 2 {
				return "", false
			}
			return matches[1], true
		},
	})
}

// buildActionExecutor returns the HTTP executor when an action endpoint is
// configured and the simulator otherwise. Either way the executor is wrapped
// with retries for transient failures.
func buildActionExecutor(logger *zap.Logger) (action.Executor, error) {
	var executor action.Executor

	endpointURL := strings.TrimSpace(viper.GetString(flagActionURLName))
	if endpointURL == "" {
		latency := viper.GetDuration(flagSimulatedLatencyName)
		failureRatio := viper.GetFloat64(flagSimulatedFailureRatioName)
		logger.Info(logMessageUsingSimulator,
			zap.Duration(logFieldSimulatedLatency, latency),
			zap.Float64(logFieldSimulatedFailRatio, failureRatio),
		)
		executor = action.NewSimulator(action.SimulatorConfig{
			Latency:      latency,
			FailureRatio: failureRatio,
		})
	} else {
		logger.Info(logMessageBoundaryEndpoints, zap.String(logFieldActionEndpoint, endpointURL))
		httpExecutor, executorErr := action.NewHTTPExecutor(action.HTTPConfig{EndpointURL: endpointURL})
		if executorErr != nil {
			return nil, executorErr
		}
		executor = httpExecutor
	}

	attempts := viper.GetInt(flagRetryAttemptsName)
	if attempts <= 1 {
		return executor, nil
	}
	return action.NewRetryingExecutor(executor, action.RetryPolicy{MaxAttempts: attempts}), nil
}
