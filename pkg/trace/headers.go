package trace

import (
	"net/http"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"
)

// FromHeaders reads a span context sent along with an http request, nil if there is none
func FromHeaders(h http.Header) opentracing.SpanContext {
	sc, err := opentracing.GlobalTracer().Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(h))
	if err != nil {
		if err != opentracing.ErrSpanContextNotFound {
			zap.S().Debugw("trace extract headers error", "err", err)
		}
		return nil
	}
	return sc
}
