// Package telemetry wires OpenTelemetry tracing for the gate service and its
// upstream calls.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
)

const DefaultServiceName = "reportgate"

type Config struct {
	ServiceName        string `env:"OTEL_SERVICE_NAME" envDefault:"reportgate"`
	Environment        string `env:"ENVIRONMENT"`
	ResourceAttributes string `env:"OTEL_RESOURCE_ATTRIBUTES"`
	Endpoint           string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers            string `env:"OTEL_EXPORTER_OTLP_HEADERS"`
	TimeoutSec         int    `env:"OTEL_EXPORTER_OTLP_TIMEOUT_SEC" envDefault:"5"`
	Insecure           bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	Required           bool   `env:"OTEL_REQUIRED"`
	Sampler            string `env:"OTEL_TRACES_SAMPLER"`
	SamplerArg         string `env:"OTEL_TRACES_SAMPLER_ARG"`
}

func (c Config) serviceName() string {
	if name := strings.TrimSpace(c.ServiceName); name != "" {
		return name
	}
	return DefaultServiceName
}

// Init installs the global tracer provider. Without an endpoint spans are
// sampled but never exported. An exporter failure is fatal only when
// cfg.Required is set.
func Init(ctx context.Context, cfg Config, log zerolog.Logger) (func(context.Context) error, error) {
	opts := []trace.TracerProviderOption{
		trace.WithResource(newResource(cfg)),
		trace.WithSampler(parseSampler(cfg.Sampler, cfg.SamplerArg)),
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return install(trace.NewTracerProvider(opts...)), nil
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	exportOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if cfg.Insecure {
		exportOpts = append(exportOpts, otlptracehttp.WithInsecure())
	}
	if headers := parseKeyValues(cfg.Headers); len(headers) > 0 {
		exportOpts = append(exportOpts, otlptracehttp.WithHeaders(headers))
	}
	exporter, err := otlptracehttp.New(ctx, exportOpts...)
	if err != nil {
		if cfg.Required {
			return nil, err
		}
		log.Warn().Err(err).Str("endpoint", endpoint).Msg("otel exporter disabled")
		return install(trace.NewTracerProvider(opts...)), nil
	}
	return install(trace.NewTracerProvider(append(opts, trace.WithBatcher(exporter))...)), nil
}

// newResource describes this process. Extra attributes come from
// OTEL_RESOURCE_ATTRIBUTES as k=v pairs; service.name always wins.
func newResource(cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{}
	for k, v := range parseKeyValues(cfg.ResourceAttributes) {
		attrs = append(attrs, attribute.String(k, v))
	}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(env))
	}
	attrs = append(attrs, semconv.ServiceName(cfg.serviceName()))
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
	}
	return res
}

func install(tp *trace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown
}

var samplers = map[string]func(ratio float64) trace.Sampler{
	"always_on":                func(float64) trace.Sampler { return trace.AlwaysSample() },
	"always_off":               func(float64) trace.Sampler { return trace.NeverSample() },
	"traceidratio":             trace.TraceIDRatioBased,
	"parentbased_always_on":    func(float64) trace.Sampler { return trace.ParentBased(trace.AlwaysSample()) },
	"parentbased_always_off":   func(float64) trace.Sampler { return trace.ParentBased(trace.NeverSample()) },
	"parentbased_traceidratio": func(r float64) trace.Sampler { return trace.ParentBased(trace.TraceIDRatioBased(r)) },
}

// parseSampler follows the OTEL_TRACES_SAMPLER names. Unknown names fall
// back to parentbased_traceidratio. The ratio is clamped to [0, 1].
func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(v, 0), 1)
	}
	build, ok := samplers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		build = samplers["parentbased_traceidratio"]
	}
	return build(ratio)
}

// untraced paths are probes and scrapes.
func untraced(r *http.Request) bool {
	p := r.URL.Path
	return p == "/healthz" || strings.HasPrefix(p, "/metrics")
}

// HTTPMiddleware starts a server span per request, except for health
// checks and metric scrapes.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	return otelhttp.NewMiddleware(serviceName,
		otelhttp.WithFilter(func(r *http.Request) bool { return !untraced(r) }),
		otelhttp.WithSpanNameFormatter(func(op string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// InstrumentClient propagates trace context on upstream report loads.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// parseKeyValues reads "k1=v1,k2=v2". Entries without a key are dropped.
func parseKeyValues(raw string) map[string]string {
	var out map[string]string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
