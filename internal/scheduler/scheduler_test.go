package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/service"
)

type fakeReconciler struct {
	calls int
	actor domain.Actor
	drift []domain.LedgerDrift
	err   error
}

func (f *fakeReconciler) ReconcileLedger(ctx context.Context) ([]domain.LedgerDrift, error) {
	f.calls++
	f.actor, _ = service.ActorFromContext(ctx)
	return f.drift, f.err
}

func TestRunReconciliationUsesSystemActor(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rec := &fakeReconciler{drift: []domain.LedgerDrift{{ProductID: "prd_1"}}}

	s := New(rec, "*/5 * * * *", nil, zap.New(core))
	s.RunReconciliation()

	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, service.SystemActor, rec.actor)
	assert.Equal(t, 1, logs.FilterMessage("ledger reconciliation found drift").Len())
}

func TestRunReconciliationLogsFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rec := &fakeReconciler{err: errors.New("db down")}

	New(rec, "*/5 * * * *", nil, zap.New(core)).RunReconciliation()
	assert.Equal(t, 1, logs.FilterMessage("ledger reconciliation failed").Len())
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(&fakeReconciler{}, "not a cron", nil, nil)
	require.Error(t, s.Start())
}

func TestStartWithEmptySpecIsNoop(t *testing.T) {
	s := New(&fakeReconciler{}, "", nil, nil)
	require.NoError(t, s.Start())
	s.Stop()
}
