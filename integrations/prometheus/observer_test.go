package prometheus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aponysus/ferry/budget"
	promobs "github.com/aponysus/ferry/integrations/prometheus"
	"github.com/aponysus/ferry/policy"
	"github.com/aponysus/ferry/retry"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matches(m, labels) {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func matches(m *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(labels)
}

func testPolicy() policy.RetryPolicy {
	return policy.RetryPolicy{Key: policy.Key{Namespace: "svc", Name: "call"}, MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func TestObserver_CountsAttemptsAndCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := promobs.New(reg)
	require.NoError(t, err)
	o := retry.New(retry.WithObserver(obs))

	calls := 0
	_, err = retry.Run(context.Background(), o, testPolicy(), retry.Blocking(func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("transient")
		}
		return 1, nil
	}))
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "ferry_attempts_total", map[string]string{"key": "svc.call", "outcome": "retryable"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "ferry_attempts_total", map[string]string{"key": "svc.call", "outcome": "success"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "ferry_calls_total", map[string]string{"result": "success", "stop_reason": "success"}))
}

func TestObserver_BudgetDenied(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := promobs.New(reg, promobs.WithNamespace("app"))
	require.NoError(t, err)
	deny := budget.Func(func(context.Context, policy.Key, int) budget.Decision {
		return budget.Decision{Reason: budget.ReasonBudgetDenied}
	})
	o := retry.New(retry.WithObserver(obs), retry.WithBudget(deny))

	_, err = retry.Run(context.Background(), o, testPolicy(), retry.Blocking(func(context.Context) (int, error) {
		return 0, errors.New("down")
	}))
	require.Error(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "app_budget_denied_total", map[string]string{"key": "svc.call"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "app_calls_total", map[string]string{"result": "failure", "stop_reason": "budget_denied"}))
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := promobs.New(reg)
	require.NoError(t, err)
	_, err = promobs.New(reg)
	assert.NoError(t, err)
}
