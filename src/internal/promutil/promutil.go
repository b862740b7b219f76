// Package promutil contains utilities for collecting Prometheus metrics.
package promutil

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

// Adder is something that can be added to.
type Adder interface {
	Add(float64) // Implemented by prometheus.Counter.
}

// In the event that Prometheus changes their API, you'll be reading this comment.
var _ Adder = prometheus.NewCounter(prometheus.CounterOpts{})

// Total is an Adder that keeps a running total in memory.  It is not safe for concurrent use.
type Total float64

// Add implements Adder.
func (t *Total) Add(x float64) { *t += Total(x) }

// Int64 returns the total, truncated.
func (t *Total) Int64() int64 { return int64(*t) }

type multiAdder []Adder

func (m multiAdder) Add(x float64) {
	for _, a := range m {
		a.Add(x)
	}
}

// MultiAdder returns an Adder that adds to each of adders.
func MultiAdder(adders ...Adder) Adder {
	return multiAdder(adders)
}

// CountingReader exports a count of bytes read from an underlying io.Reader.
type CountingReader struct {
	io.Reader
	Counter Adder
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (n int, err error) {
	n, err = r.Reader.Read(p)
	r.Counter.Add(float64(n))
	return
}

// CountingWriter exports a count of bytes written to an underlying io.Writer.
type CountingWriter struct {
	io.Writer
	Counter Adder
}

// Write implements io.Writer.
func (w *CountingWriter) Write(p []byte) (n int, err error) {
	n, err = w.Writer.Write(p)
	w.Counter.Add(float64(n))
	return
}

// WriteTextfile writes every metric in g to path in the text exposition format, for the node
// exporter's textfile collector.  A nil g means the default registry.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return errors.Wrapf(err, "write metrics to %s", path)
	}
	return nil
}
