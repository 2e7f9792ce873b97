package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atelier/internal/definition"
	"github.com/roach88/atelier/internal/errclass"
	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/memstore"
)

func sampleTrace() []TraceEntry {
	return []TraceEntry{
		{Type: TraceInvoke, Op: "change_status", Detail: `job=job-9 to="livre" actor=l1/livreur`},
		{Type: TraceComplete, Op: "change_status", Detail: "ok status=livre"},
		{Type: TraceEvent, Op: "dossier_updated", Detail: "job-9"},
		{Type: TraceEvent, Op: "notification", Detail: `dossier_delivered job=job-9 roles=admin users=u1 "Dossier job-9 livré"`},
		{Type: TraceEvent, Op: "dossier_updated", Detail: "job-9"},
		{Type: TraceChain, Op: "auto", Detail: "job-9 livre->termine ok status=termine"},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceContains(trace, Assertion{Contains: "chain auto job-9"}))

	err := assertTraceContains(trace, Assertion{Contains: "error RemoteRejection"})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Len(t, ae.Trace, len(trace))
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Lines: []string{
		"complete change_status ok",
		"event notification",
		"chain auto",
	}}), "intervening lines are allowed")

	err := assertTraceOrder(trace, Assertion{Lines: []string{"chain auto", "event notification"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `matched 1 of 2, missing "event notification"`)

	err = assertTraceOrder(trace, Assertion{Lines: []string{"event dossier_deleted"}})
	assert.Error(t, err)
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "dossier_updated", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "dossier_deleted", Count: 0}))

	err := assertTraceCount(trace, Assertion{Event: "notification", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: 1 notification events")
}

func TestAssertTraceCount_OnlyCountsEvents(t *testing.T) {
	trace := []TraceEntry{
		{Type: TraceInvoke, Op: "notification"},
		{Type: TraceEvent, Op: "notification"},
	}
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "notification", Count: 1}))
}

func newAssertionStore(t *testing.T) *memstore.Store {
	t.Helper()
	st := memstore.New(definition.MustDefault())
	ctx := context.Background()
	_, err := st.CreateJob(ctx, job.WorkOrder{ID: "job-1", Status: "livre", CreatedBy: "u1"})
	require.NoError(t, err)
	require.NoError(t, st.Record(ctx, job.JournalEntry{ID: "e1", JobID: "job-1", From: "en_livraison", To: "livre"}))
	return st
}

func TestAssertFinalState(t *testing.T) {
	st := newAssertionStore(t)
	ctx := context.Background()

	assert.NoError(t, assertFinalState(ctx, st, Assertion{Job: "job-1", Status: "livre"}))
	assert.NoError(t, assertFinalState(ctx, st, Assertion{Job: "job-1", History: []string{"en_livraison->livre"}}))

	err := assertFinalState(ctx, st, Assertion{Job: "job-1", Status: "termine"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-1 in status livre")

	err = assertFinalState(ctx, st, Assertion{Job: "ghost", Status: "livre"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost does not exist")

	err = assertFinalState(ctx, st, Assertion{Job: "job-1", History: []string{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history [en_livraison->livre]")

	fetches, _, _ := st.Counters()
	assert.Zero(t, fetches, "final_state must not count as remote traffic")
}

func TestAssertRemoteCalls(t *testing.T) {
	st := newAssertionStore(t)
	ctx := context.Background()

	_, err := st.FetchEntity(ctx, "job-1")
	require.NoError(t, err)
	st.FailNext(memstore.OpMutate, &errclass.TransportFailure{Op: "mutate", Err: errInjected})
	_, err = st.MutateStatus(ctx, "job-1", "Terminé", "")
	require.Error(t, err)

	assert.NoError(t, assertRemoteCalls(st, Assertion{Op: memstore.OpFetch, Count: 1}))
	assert.NoError(t, assertRemoteCalls(st, Assertion{Op: memstore.OpMutate, Count: 1}))
	assert.NoError(t, assertRemoteCalls(st, Assertion{Op: memstore.OpList, Count: 0}))
	assert.Error(t, assertRemoteCalls(st, Assertion{Op: memstore.OpFetch, Count: 3}))
}

func TestEvaluateAssertions(t *testing.T) {
	result := &Result{Pass: true, Trace: sampleTrace()}
	st := newAssertionStore(t)

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Contains: "dossier_delivered"},
		{Type: AssertTraceCount, Event: "notification", Count: 1},
		{Type: AssertFinalState, Job: "job-1", Status: "livre"},
	}, &AssertionContext{Store: st})
	assert.Empty(t, errs)

	errs = EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Contains: "nothing like this"},
		{Type: AssertTraceCount, Event: "notification", Count: 1},
		{Type: "eventually"},
	}, nil)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[1], `unknown assertion type "eventually"`)
}

func TestEvaluateAssertions_StoreRequired(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertFinalState, Job: "job-1", Status: "livre"},
		{Type: AssertRemoteCalls, Op: "fetch"},
	}, nil)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "final_state requires a store")
	assert.Contains(t, errs[1], "remote_calls requires a store")
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "2 notification events",
		Actual:   "1 notification events",
		Trace:    []TraceEntry{{Type: TraceEvent, Op: "notification", Detail: "x"}},
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Expected: 2 notification events")
	assert.Contains(t, msg, "Actual: 1 notification events")
	assert.Contains(t, msg, "[1] event notification x")
}
