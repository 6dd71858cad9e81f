package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/agencyos/metering/internal/config"
)

// Metrics exposes application-level instruments.
type Metrics struct {
	usageEvents       metric.Int64Counter
	entitlementChecks metric.Int64Counter
	creditTxns        metric.Int64Counter
	expiredLots       metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Metrics.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.Metrics.Exporter, cfg.Metrics.Endpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.Metrics.Endpoint),
			zap.String("protocol", cfg.Metrics.Exporter),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg config.Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "metering"
	}
	meter := provider.Meter(name)

	usageEvents, err := meter.Int64Counter("metering_usage_events_total")
	if err != nil {
		return nil, err
	}
	entitlementChecks, err := meter.Int64Counter("metering_entitlement_checks_total")
	if err != nil {
		return nil, err
	}
	creditTxns, err := meter.Int64Counter("metering_credit_transactions_total")
	if err != nil {
		return nil, err
	}
	expiredLots, err := meter.Int64Counter("metering_credit_expired_lots_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("metering_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageEvents:       usageEvents,
		entitlementChecks: entitlementChecks,
		creditTxns:        creditTxns,
		expiredLots:       expiredLots,
		rateLimitDenied:   rateLimitDenied,
	}, nil
}

// RecordUsageEvent increments usage ingest counts.
func (m *Metrics) RecordUsageEvent(ctx context.Context, featureKey string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature_key", strings.TrimSpace(featureKey)))
	m.usageEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEntitlementCheck increments entitlement check counts by outcome.
func (m *Metrics) RecordEntitlementCheck(ctx context.Context, featureKey, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature_key", strings.TrimSpace(featureKey)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.entitlementChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditTransaction increments credit transaction counts by type.
func (m *Metrics) RecordCreditTransaction(ctx context.Context, txnType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("type", strings.TrimSpace(txnType)))
	m.creditTxns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordExpiredLots adds to the expired lot count after a sweep pass.
func (m *Metrics) RecordExpiredLots(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredLots.Add(ctx, int64(n))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature_key": {},
	"reason":      {},
	"type":        {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
