package tracing

import (
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/eventchain/indexer/config"
)

// Tracer wraps the New Relic agent. A tracer built without a license key is
// a no-op; every method accepts the nil transactions it hands out.
type Tracer struct {
	app *newrelic.Application
}

// NewTracer creates a new tracer
func NewTracer(cfg config.TracingConfig) (*Tracer, error) {
	if cfg.LicenseKey == "" {
		log.Warn().Msg("New Relic license key not provided, tracing will be disabled")
		return &Tracer{}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(cfg.DistribTracing),
		newrelic.ConfigAppLogForwardingEnabled(cfg.LogEnabled),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize New Relic")
	}

	return &Tracer{app: app}, nil
}

// Enabled reports whether transactions are sent to New Relic
func (t *Tracer) Enabled() bool {
	return t != nil && t.app != nil
}

// Application returns the agent application for middleware, nil when disabled
func (t *Tracer) Application() *newrelic.Application {
	if !t.Enabled() {
		return nil
	}
	return t.app
}

// StartTransaction starts a new background transaction
func (t *Tracer) StartTransaction(name string) *newrelic.Transaction {
	if !t.Enabled() {
		return nil
	}
	return t.app.StartTransaction(name)
}

// StartSegment starts a segment within txn
func (t *Tracer) StartSegment(txn *newrelic.Transaction, name string) *newrelic.Segment {
	// a nil transaction yields a segment whose End is a no-op
	return txn.StartSegment(name)
}

// EndTransaction ends a transaction
func (t *Tracer) EndTransaction(txn *newrelic.Transaction) {
	if txn == nil {
		return
	}
	txn.End()
}

// RecordError records an error in a transaction
func (t *Tracer) RecordError(txn *newrelic.Transaction, err error) {
	if txn == nil || err == nil {
		return
	}
	txn.NoticeError(err)
}

// AddAttribute adds an attribute to a transaction
func (t *Tracer) AddAttribute(txn *newrelic.Transaction, key string, value interface{}) {
	if txn == nil {
		return
	}
	txn.AddAttribute(key, value)
}

// Close flushes pending data to New Relic
func (t *Tracer) Close() {
	if !t.Enabled() {
		return
	}
	t.app.Shutdown(10 * time.Second)
	log.Info().Msg("New Relic tracer shutdown")
}
