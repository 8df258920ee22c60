// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	nonceLeaseExhausted      = metrics.NewCounter("nonce_lease_exhausted_total")
	nonceLeaseAcquireSeconds = metrics.NewHistogram("nonce_lease_acquire_duration_seconds")

	disposableKeyAcquired  = metrics.NewCounter("key_disposable_acquired_total")
	disposableKeyExhausted = metrics.NewCounter("key_disposable_exhausted_total")
	disposableKeyRetired   = metrics.NewCounter("key_disposable_retired_total")
	disposableKeyCreated   = metrics.NewCounter("key_disposable_created_total")
	disposableKeyRecovered = metrics.NewCounter("key_disposable_recovered_total")
	recoveredLamports      = metrics.NewFloatCounter("key_recovered_lamports_total")
	intermediateKeyFunded  = metrics.NewCounter("key_intermediate_funded_total")
	balanceRunDuration     = metrics.NewHistogram("key_balance_run_duration_seconds")

	blockhashRefreshFailures = metrics.NewCounter("blockhash_refresh_failures_total")
	blockhashDirectFetches   = metrics.NewCounter("blockhash_direct_fetch_total")

	submissionDuration   = metrics.NewHistogram("submission_duration_milliseconds")
	submissionBuildFails = metrics.NewCounter("submission_build_failures_total")
	auditRecords         = metrics.NewCounter("audit_records_total")
	auditDuplicates      = metrics.NewCounter("audit_records_duplicate_total")
	auditDeferred        = metrics.NewCounter("audit_records_deferred_total")
	auditDropped         = metrics.NewCounter("audit_records_dropped_total")

	intakeQueued     = metrics.NewCounter("intake_queued_total")
	intakeQueueFull  = metrics.NewCounter("intake_queue_full_total")
	intakeStaleItems = metrics.NewCounter("intake_stale_items_total")
	intakeRequeued   = metrics.NewCounter("intake_requeued_total")
)

var (
	gaugesMu sync.Mutex
	gauges   = make(map[string]*atomic.Int64)
)

// setGauge registers the gauge on first use and stores v.
func setGauge(name string, v int64) {
	gaugesMu.Lock()
	g, ok := gauges[name]
	if !ok {
		g = new(atomic.Int64)
		gauges[name] = g
		metrics.NewGauge(name, func() float64 {
			return float64(g.Load())
		})
	}
	gaugesMu.Unlock()
	g.Store(v)
}

func RecordNonceLeaseAcquire(d time.Duration) {
	nonceLeaseAcquireSeconds.Update(d.Seconds())
}

func IncNonceLeaseExhausted() {
	nonceLeaseExhausted.Inc()
}

func SetNonceAccounts(state string, count int) {
	setGauge(fmt.Sprintf(`nonce_accounts{state=%q}`, state), int64(count))
}

func IncNonceMaintenanceFailure(op string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`nonce_maintenance_failures_total{op=%q}`, op)).Inc()
}

func IncDisposableKeyAcquired() {
	disposableKeyAcquired.Inc()
}

func IncDisposableKeyExhausted() {
	disposableKeyExhausted.Inc()
}

func IncDisposableKeyRetired() {
	disposableKeyRetired.Inc()
}

func IncDisposableKeyCreated() {
	disposableKeyCreated.Inc()
}

func IncDisposableKeyRecovered() {
	disposableKeyRecovered.Inc()
}

func AddRecoveredLamports(lamports uint64) {
	recoveredLamports.Add(float64(lamports))
}

func IncIntermediateKeyFunded() {
	intermediateKeyFunded.Inc()
}

func RecordBalanceRun(d time.Duration) {
	balanceRunDuration.Update(d.Seconds())
}

// RecordKeyBalance feeds the per-tier balance distribution.
func RecordKeyBalance(tier string, lamports uint64) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`key_balance_lamports{tier=%q}`, tier)).Update(float64(lamports))
}

func SetKeyPoolSize(tier, status string, count int) {
	setGauge(fmt.Sprintf(`key_pool_size{tier=%q,status=%q}`, tier, status), int64(count))
}

func IncBlockhashRefreshFailure() {
	blockhashRefreshFailures.Inc()
}

func IncBlockhashDirectFetch() {
	blockhashDirectFetches.Inc()
}

// IncProviderResult counts one dispatch result per provider, result is one of confirmed/accepted/failed.
func IncProviderResult(provider, result string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`provider_submissions_total{provider=%q,result=%q}`, provider, result)).Inc()
}

func RecordProviderConfirmDuration(provider string, ms int64) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`provider_confirm_duration_milliseconds{provider=%q}`, provider)).Update(float64(ms))
}

func IncProviderSimulation(provider string, success bool) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`provider_simulations_total{provider=%q,success="%t"}`, provider, success)).Inc()
}

func IncSubmissionOutcome(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`submission_outcomes_total{status=%q}`, status)).Inc()
}

func RecordSubmissionDuration(ms int64) {
	submissionDuration.Update(float64(ms))
}

func IncSubmissionBuildFailure() {
	submissionBuildFails.Inc()
}

func IncSubmissionRejected(reason string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`submission_rejected_total{reason=%q}`, reason)).Inc()
}

func IncAuditRecords() {
	auditRecords.Inc()
}

func IncAuditDuplicates() {
	auditDuplicates.Inc()
}

func IncAuditDeferred() {
	auditDeferred.Inc()
}

func IncAuditDropped() {
	auditDropped.Inc()
}

func SetAuditPending(n int) {
	setGauge("audit_records_pending", int64(n))
}

// RecordSubmissionAttempts tracks how many times a request id was claimed across replicas.
func RecordSubmissionAttempts(n uint64) {
	metrics.GetOrCreateHistogram("submission_attempts").Update(float64(n))
}

func IncIntakeQueued() {
	intakeQueued.Inc()
}

func IncIntakeQueueFull() {
	intakeQueueFull.Inc()
}

func IncIntakeStaleItems() {
	intakeStaleItems.Inc()
}

func IncIntakeRequeued() {
	intakeRequeued.Inc()
}

// IncProviderCriticalConsensus counts submissions where several providers reported the same critical error.
func IncProviderCriticalConsensus(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`provider_critical_consensus_total{kind=%q}`, kind)).Inc()
}

func RecordRPCCallDuration(method string, ms int64) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`rpc_call_duration_milliseconds{method=%q}`, method)).Update(float64(ms))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_call_failures_total{method=%q}`, method)).Inc()
}
