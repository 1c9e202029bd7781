// Package metrics — prometheus-коллекторы планировщика и сценария получения сессии.
// Коллекторы регистрируются в глобальном реестре при импорте пакета (promauto);
// /metrics отдаётся web-сервером через promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Значения метки result у presence_replays_total.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

var (
	ticks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_ticks_total",
		Help: "Number of completed scheduler ticks per job",
	}, []string{"job"})

	replays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_replays_total",
		Help: "Per-owner replays grouped by job and result",
	}, []string{"job", "result"})

	tickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "presence_tick_duration_seconds",
		Help:    "Wall time of a scheduler tick, from enumeration to the last replay",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})

	acquisitionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_acquisition_outcomes_total",
		Help: "Terminal outcomes of credential acquisition attempts",
	}, []string{"outcome"})

	openAttempts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_open_attempts",
		Help: "Acquisition attempts currently held in memory",
	})
)

// ObserveTick фиксирует завершённый тик задачи job.
func ObserveTick(job string, took time.Duration) {
	ticks.WithLabelValues(job).Inc()
	tickDuration.WithLabelValues(job).Observe(took.Seconds())
}

// ObserveReplay фиксирует результат проигрывания одной сессии.
func ObserveReplay(job, result string) {
	replays.WithLabelValues(job, result).Inc()
}

// ObserveAcquisition фиксирует терминальный исход попытки (complete, cancelled, failed, expired, superseded).
func ObserveAcquisition(outcome string) {
	acquisitionOutcomes.WithLabelValues(outcome).Inc()
}

// SetOpenAttempts обновляет число открытых попыток.
func SetOpenAttempts(n int) {
	openAttempts.Set(float64(n))
}

// ReplayCount — текущее значение счётчика проигрываний (для /stats).
func ReplayCount(job, result string) float64 {
	return counterValue(replays.WithLabelValues(job, result))
}

// AcquisitionCount — текущее значение счётчика исходов.
func AcquisitionCount(outcome string) float64 {
	return counterValue(acquisitionOutcomes.WithLabelValues(outcome))
}
