// Command runjob executes a single paced job locally against the simulated
// action executor and prints every progress event as it happens.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pace-run/pacerun/internal/action"
	"github.com/pace-run/pacerun/internal/capability"
	"github.com/pace-run/pacerun/internal/history"
	"github.com/pace-run/pacerun/internal/identity"
	"github.com/pace-run/pacerun/internal/progress"
	"github.com/pace-run/pacerun/internal/quota"
	"github.com/pace-run/pacerun/internal/runlog"
	"github.com/pace-run/pacerun/internal/runner"
)

const (
	usageHeader            = "usage:"
	usageRunCommand        = "  runjob -target <url> [-count N] [-pace 2s] [-json]"
	localCredential        = "runjob-local-credential"
	localToken             = "runjob-local-token"
	errMessageDeriveKey    = "derive identity"
	errMessageSubmitJob    = "submit job"
	errMessageJobStatus    = "query job status"
	summaryFormat          = "%s: %d/%d succeeded, %d failed in %s\n"
	summaryErrorFormat     = "  last error: %s\n"
	eventTextFormat        = "[%s] %s %d/%d (ok=%d fail=%d)%s\n"
	eventMessageTextFormat = " %s"
)

type cliOptions struct {
	target       string
	count        int
	pace         time.Duration
	unbounded    bool
	batchSize    int
	latency      time.Duration
	failureRatio float64
	seed         int64
	jsonOutput   bool
}

func main() {
	options := parseArguments()
	if strings.TrimSpace(options.target) == "" {
		printUsage()
		os.Exit(2)
	}

	applicationContext, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	identityKey, identityErr := identity.Derive(localCredential)
	if identityErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", errMessageDeriveKey, identityErr)
		os.Exit(1)
	}

	publisher := progress.NewPublisher(256)
	subscribed := make(chan struct{})

	jobRunner := runner.NewRunner(runner.Config{
		Quota: quota.NewTracker(quota.Limits{}, nil),
		Capability: capability.ProviderFunc(func(ctx context.Context, _ string) (string, error) {
			// Hold the job until the event subscription below is in place so
			// no progress event is missed.
			select {
			case <-subscribed:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return localToken, nil
		}),
		Executor: action.NewSimulator(action.SimulatorConfig{
			Latency:         options.latency,
			FailureRatio:    options.failureRatio,
			RandomGenerator: rand.New(rand.NewSource(options.seed)),
		}),
		Progress:    publisher,
		History:     history.NewStore(0),
		ActivityLog: runlog.NewLog(0, nil),
	})

	jobID, submitErr := jobRunner.Submit(runner.Request{
		Identity:       identityKey,
		Credential:     localCredential,
		Target:         options.target,
		RequestedCount: options.count,
		Pace:           options.pace,
		Unbounded:      options.unbounded,
		BatchSize:      options.batchSize,
	})
	if submitErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", errMessageSubmitJob, submitErr)
		os.Exit(1)
	}

	events, cancelSubscription := publisher.Subscribe(jobID)
	defer cancelSubscription()
	close(subscribed)

	jsonEncoder := initializeJSONEncoder(options.jsonOutput)
	stopRequested := false
	for {
		select {
		case <-applicationContext.Done():
			if !stopRequested {
				stopRequested = true
				_ = jobRunner.Stop(jobID)
			}
		case event, open := <-events:
			if !open {
				printSummary(jobRunner, jobID)
				return
			}
			emitEvent(jsonEncoder, event)
			if event.Kind.Terminal() {
				printSummary(jobRunner, jobID)
				return
			}
		}
	}
}

func parseArguments() cliOptions {
	targetFlag := flag.String("target", "", "target identifier the actions apply to")
	countFlag := flag.Int("count", 1, "number of actions to perform")
	paceFlag := flag.Duration("pace", 0, "delay between consecutive actions (e.g. 2s)")
	unboundedFlag := flag.Bool("unbounded", false, "run until the unbounded ceiling instead of -count")
	batchFlag := flag.Int("batch", 1, "actions per concurrent batch")
	latencyFlag := flag.Duration("latency", 50*time.Millisecond, "simulated per-action latency")
	failureRatioFlag := flag.Float64("failure-ratio", 0, "fraction of simulated actions that fail, in [0, 1]")
	seedFlag := flag.Int64("seed", time.Now().UnixNano(), "seed for the failure sampler")
	jsonFlag := flag.Bool("json", false, "output JSON lines instead of text")
	flag.Parse()

	return cliOptions{
		target:       *targetFlag,
		count:        *countFlag,
		pace:         *paceFlag,
		unbounded:    *unboundedFlag,
		batchSize:    *batchFlag,
		latency:      *latencyFlag,
		failureRatio: *failureRatioFlag,
		seed:         *seedFlag,
		jsonOutput:   *jsonFlag,
	}
}

func initializeJSONEncoder(jsonRequested bool) *json.Encoder {
	if !jsonRequested {
		return nil
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetEscapeHTML(false)
	return encoder
}

func emitEvent(jsonEncoder *json.Encoder, event progress.Event) {
	if jsonEncoder != nil {
		_ = jsonEncoder.Encode(event)
		return
	}
	message := ""
	if event.Message != "" {
		message = fmt.Sprintf(eventMessageTextFormat, event.Message)
	}
	fmt.Printf(eventTextFormat,
		event.At.Format(time.TimeOnly),
		event.Kind,
		event.CurrentIndex,
		event.Total,
		event.SuccessCount,
		event.FailureCount,
		message,
	)
}

func printSummary(jobRunner *runner.Runner, jobID string) {
	record, statusErr := jobRunner.Status(jobID)
	if statusErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", errMessageJobStatus, statusErr)
		os.Exit(1)
	}
	fmt.Printf(summaryFormat,
		record.Status,
		record.SuccessCount,
		record.Total,
		record.FailureCount,
		record.EndedAt.Sub(record.StartedAt).Round(time.Millisecond),
	)
	if record.LastError != "" {
		fmt.Printf(summaryErrorFormat, record.LastError)
	}
	if record.Status != runner.StatusCompleted {
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, usageHeader)
	fmt.Fprintln(os.Stderr, usageRunCommand)
}
