package decoder

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the decoder's performance instruments. Counters are
// registered on the global meter provider; the serve command installs
// a Prometheus exporter, elsewhere they are no-ops.
type Metrics struct {
	frames     metric.Int64Counter
	senones    metric.Int64Counter
	hmms       metric.Int64Counter
	utterances metric.Int64Counter
	uttSeconds metric.Float64Histogram
	rtf        metric.Float64Histogram
}

// NewMetrics registers the decoder instruments.
func NewMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter("pocketasr/decoder")

	frames, _ := meter.Int64Counter("asr.frames.processed",
		metric.WithDescription("Feature frames pushed through the search"))
	senones, _ := meter.Int64Counter("asr.senones.scored",
		metric.WithDescription("Senone evaluations requested from the acoustic scorer"))
	hmms, _ := meter.Int64Counter("asr.hmms.evaluated",
		metric.WithDescription("Active HMM evaluations"))
	utterances, _ := meter.Int64Counter("asr.utterances",
		metric.WithDescription("Utterances decoded"))
	uttSeconds, _ := meter.Float64Histogram("asr.utterance.seconds",
		metric.WithDescription("Wall time spent finalizing utterances"))
	rtf, _ := meter.Float64Histogram("asr.utterance.rtf",
		metric.WithDescription("Finalization time over audio time"))

	return &Metrics{
		frames:     frames,
		senones:    senones,
		hmms:       hmms,
		utterances: utterances,
		uttSeconds: uttSeconds,
		rtf:        rtf,
	}
}

func (m *Metrics) UttStarted() {
	m.utterances.Add(context.Background(), 1)
}

func (m *Metrics) FrameProcessed(nHMMs int) {
	ctx := context.Background()
	m.frames.Add(ctx, 1)
	m.hmms.Add(ctx, int64(nHMMs))
}

func (m *Metrics) SenonesScored(n int) {
	m.senones.Add(context.Background(), int64(n))
}

func (m *Metrics) UttEnded(elapsed time.Duration, nFrames int) {
	ctx := context.Background()
	m.uttSeconds.Record(ctx, elapsed.Seconds())
	if nFrames > 0 {
		audioSecs := float64(nFrames) * frameSeconds
		m.rtf.Record(ctx, elapsed.Seconds()/audioSecs)
	}
}
