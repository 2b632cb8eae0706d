package assetstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for store operations.
type Observer interface {
	RecordUpload(kind Kind, duration time.Duration, sizeBytes int64, err error)
	RecordDelete(kind Kind, duration time.Duration, err error)
}

// PrometheusObserver exports store metrics to Prometheus.
type PrometheusObserver struct {
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

// NewPrometheusObserver registers upload/delete metrics on reg.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "asset_store"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of asset store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of failed asset store operations.",
		}, []string{"operation", "kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes successfully uploaded to the asset store.",
		}, []string{"kind"}),
	}

	var err error
	if o.duration, err = register(reg, o.duration); err != nil {
		return nil, err
	}
	if o.errors, err = register(reg, o.errors); err != nil {
		return nil, err
	}
	if o.bytes, err = register(reg, o.bytes); err != nil {
		return nil, err
	}
	return o, nil
}

// register returns the collector already registered under the same
// descriptor when there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register asset store metric: %w", err)
	}
	return c, nil
}

func (o *PrometheusObserver) RecordUpload(kind Kind, d time.Duration, sizeBytes int64, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("upload", string(kind)).Observe(d.Seconds())
	if err != nil {
		o.errors.WithLabelValues("upload", string(kind)).Inc()
		return
	}
	o.bytes.WithLabelValues(string(kind)).Add(float64(sizeBytes))
}

func (o *PrometheusObserver) RecordDelete(kind Kind, d time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("delete", string(kind)).Observe(d.Seconds())
	if err != nil {
		o.errors.WithLabelValues("delete", string(kind)).Inc()
	}
}

// ObservedStore reports every call of the wrapped store to an Observer.
type ObservedStore struct {
	delegate Store
	observer Observer
	now      func() time.Time
}

var _ Store = (*ObservedStore)(nil)

func NewObservedStore(delegate Store, observer Observer) *ObservedStore {
	return &ObservedStore{delegate: delegate, observer: observer, now: time.Now}
}

func (s *ObservedStore) Upload(ctx context.Context, req UploadRequest) (Ref, error) {
	start := s.now()
	ref, err := s.delegate.Upload(ctx, req)
	if s.observer != nil {
		s.observer.RecordUpload(req.Kind, s.now().Sub(start), ref.Bytes, err)
	}
	return ref, err
}

func (s *ObservedStore) Delete(ctx context.Context, publicID string, kind Kind) error {
	start := s.now()
	err := s.delegate.Delete(ctx, publicID, kind)
	if s.observer != nil {
		s.observer.RecordDelete(kind, s.now().Sub(start), err)
	}
	return err
}
