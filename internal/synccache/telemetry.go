package synccache

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheFetches       metric.Int64Counter
	cacheInvalidations metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/roach88/atelier/internal/synccache")

	var err error

	cacheHits, err = meter.Int64Counter(
		"atelier.cache.hits",
		metric.WithDescription("Reads served from a fresh cache entry"),
	)
	if err != nil {
		log.Fatalf("failed to create cache.hits counter: %v", err)
	}

	cacheMisses, err = meter.Int64Counter(
		"atelier.cache.misses",
		metric.WithDescription("Reads that required a fetch or joined one"),
	)
	if err != nil {
		log.Fatalf("failed to create cache.misses counter: %v", err)
	}

	cacheFetches, err = meter.Int64Counter(
		"atelier.cache.fetches",
		metric.WithDescription("Read-through fetches issued to the remote source"),
	)
	if err != nil {
		log.Fatalf("failed to create cache.fetches counter: %v", err)
	}

	cacheInvalidations, err = meter.Int64Counter(
		"atelier.cache.invalidations",
		metric.WithDescription("Keys evicted by invalidation"),
	)
	if err != nil {
		log.Fatalf("failed to create cache.invalidations counter: %v", err)
	}
}

func nsAttr(ns string) metric.AddOption {
	return metric.WithAttributes(attribute.String("namespace", ns))
}
