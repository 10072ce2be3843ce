package action

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	simulatedResultIDFormat   = "sim-%d"
	simulatedFailureMessage   = "simulated failure"
	simulatedCancelledMessage = "simulated action cancelled"
)

// SimulatorConfig controls a Simulator.
type SimulatorConfig struct {
	// Latency applied to each performed action.
	Latency time.Duration
	// FailureRatio in [0, 1]; the fraction of actions that fail.
	FailureRatio float64
	// FailureKind assigned to simulated failures. Defaults to
	// KindTransientNetwork.
	FailureKind Kind
	// RandomGenerator for failure sampling; seeded from wall time when nil.
	RandomGenerator *rand.Rand
}

// Simulator is an Executor that performs no external work. It drives local
// runs and load experiments without touching a real endpoint.
type Simulator struct {
	latency      time.Duration
	failureRatio float64
	failureKind  Kind

	mutex           sync.Mutex
	randomGenerator *rand.Rand
	performed       int
}

var _ Executor = (*Simulator)(nil)

// NewSimulator constructs a Simulator from configuration values.
func NewSimulator(configuration SimulatorConfig) *Simulator {
	failureKind := configuration.FailureKind
	if failureKind == KindNone {
		failureKind = KindTransientNetwork
	}
	randomGenerator := configuration.RandomGenerator
	if randomGenerator == nil {
		randomGenerator = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{
		latency:         configuration.Latency,
		failureRatio:    configuration.FailureRatio,
		failureKind:     failureKind,
		randomGenerator: randomGenerator,
	}
}

// Perform simulates one action, honoring context cancellation during the
// configured latency.
func (simulator *Simulator) Perform(ctx context.Context, _ string, _ string) Outcome {
	if simulator.latency > 0 {
		timer := time.NewTimer(simulator.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Outcome{ErrorKind: KindTransientNetwork, ErrorMessage: simulatedCancelledMessage}
		case <-timer.C:
		}
	}

	simulator.mutex.Lock()
	simulator.performed++
	sequence := simulator.performed
	failed := simulator.failureRatio > 0 && simulator.randomGenerator.Float64() < simulator.failureRatio
	simulator.mutex.Unlock()

	if failed {
		return Outcome{ErrorKind: simulator.failureKind, ErrorMessage: simulatedFailureMessage}
	}
	return Outcome{Success: true, ResultID: fmt.Sprintf(simulatedResultIDFormat, sequence)}
}

// Performed reports how many actions the simulator has executed.
func (simulator *Simulator) Performed() int {
	simulator.mutex.Lock()
	defer simulator.mutex.Unlock()
	return simulator.performed
}
