package trace

import (
	"io"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/spf13/viper"
	"github.com/kromosynth/dispatcher/pkg/env"
	"github.com/uber/jaeger-client-go"
	tracer_config "github.com/uber/jaeger-client-go/config"
	"go.uber.org/zap"
)

// TraceInit installs a jaeger tracer as the global tracer when an agent is configured.
// Without one the opentracing noop tracer stays in place.
func TraceInit(serviceName string) (io.Closer, error) {
	hostPort := viper.GetString(env.TraceAgentHostPort)
	if hostPort == "" {
		return nil, nil
	}
	cfg := &tracer_config.Configuration{}
	cfg.Sampler = &tracer_config.SamplerConfig{
		Type:  jaeger.SamplerTypeConst,
		Param: 1.0,
	}
	zap.S().Infow("use jaeger agent host and port", "HostAndPort", hostPort)
	cfg.Reporter = &tracer_config.ReporterConfig{
		QueueSize:           100,
		BufferFlushInterval: 1 * time.Second,
		LogSpans:            false,
		LocalAgentHostPort:  hostPort,
	}
	return cfg.InitGlobalTracer(serviceName)
}

// Inject writes the span context into a text map carrier that can travel inside a payload
func Inject(sp opentracing.Span) map[string]string {
	carrier := opentracing.TextMapCarrier{}
	if err := opentracing.GlobalTracer().Inject(sp.Context(), opentracing.TextMap, carrier); err != nil {
		zap.S().Debugw("trace inject error", "err", err)
		return nil
	}
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Extract reads a span context from a payload carrier, nil if there is none
func Extract(carrier map[string]string) opentracing.SpanContext {
	if len(carrier) == 0 {
		return nil
	}
	sc, err := opentracing.GlobalTracer().Extract(opentracing.TextMap, opentracing.TextMapCarrier(carrier))
	if err != nil {
		if err != opentracing.ErrSpanContextNotFound {
			zap.S().Debugw("trace extract error", "err", err)
		}
		return nil
	}
	return sc
}

// StartSpan starts a span that is a child of parent when there is one
func StartSpan(name string, parent opentracing.SpanContext) opentracing.Span {
	if parent == nil {
		return opentracing.StartSpan(name)
	}
	return opentracing.StartSpan(name, opentracing.ChildOf(parent))
}
