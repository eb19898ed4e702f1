package indexmap

import (
	"time"

	"github.com/rs/zerolog"
)

// Observer receives one call per completed exchange (scatter, neighborhood
// derivation, compression). elements counts values sent by this rank.
type Observer interface {
	ObserveExchange(op string, elements int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveExchange(string, int, time.Duration) {}

// Option configures an IndexMap at construction.
type Option func(*options)

type options struct {
	log      zerolog.Logger
	observer Observer
}

func defaultOptions() options {
	return options{
		log:      zerolog.Nop(),
		observer: nopObserver{},
	}
}

// WithLogger sets the logger used for debug output of collectives.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithObserver attaches an exchange observer, e.g. a metrics.Collector.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

type observers []Observer

func (fan observers) ObserveExchange(op string, elements int, elapsed time.Duration) {
	for _, o := range fan {
		o.ObserveExchange(op, elements, elapsed)
	}
}

// Observers fans every observation out to obs in order. Nil entries are
// skipped.
func Observers(obs ...Observer) Observer {
	var out observers
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}
