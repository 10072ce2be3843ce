package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestBuildRunnerPolicyReadsEveryTunable(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set(flagHardCeilingName, 120)
	viper.Set(flagUnboundedCeilingName, 40)
	viper.Set(flagFailureThresholdName, 5)
	viper.Set(flagCapabilityTimeoutName, 3*time.Second)
	viper.Set(flagActionTimeoutName, 7*time.Second)
	viper.Set(flagRetentionDelayName, 30*time.Second)
	viper.Set(flagProgressEveryName, 4)
	viper.Set(flagMaxBatchSizeName, 6)

	policy := buildRunnerPolicy()

	if policy.HardCeiling != 120 {
		t.Fatalf("expected hard ceiling 120, got %d", policy.HardCeiling)
	}
	if policy.UnboundedCeiling != 40 {
		t.Fatalf("expected unbounded ceiling 40, got %d", policy.UnboundedCeiling)
	}
	if policy.ConsecutiveFailureThreshold != 5 {
		t.Fatalf("expected failure threshold 5, got %d", policy.ConsecutiveFailureThreshold)
	}
	if policy.CapabilityTimeout != 3*time.Second || policy.ActionTimeout != 7*time.Second {
		t.Fatalf("unexpected timeouts %v/%v", policy.CapabilityTimeout, policy.ActionTimeout)
	}
	if policy.RetentionDelay != 30*time.Second {
		t.Fatalf("expected retention delay 30s, got %v", policy.RetentionDelay)
	}
	if policy.ProgressEveryN != 4 || policy.MaxBatchSize != 6 {
		t.Fatalf("unexpected cadence/batch %d/%d", policy.ProgressEveryN, policy.MaxBatchSize)
	}
}

func TestBuildRunnerPolicyHardCeilingFollowsPerRequestLimit(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set(flagMaxPerRequestName, 250)

	policy := buildRunnerPolicy()

	if policy.HardCeiling != 250 {
		t.Fatalf("expected the hard ceiling to follow max-per-request (250), got %d", policy.HardCeiling)
	}
}
