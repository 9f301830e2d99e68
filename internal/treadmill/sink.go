package treadmill

import "github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"

// MetricsSink receives everything a Session observes. Calls are made from the
// goroutine running the session, outside its lock, so a sink may call back into it.
type MetricsSink interface {
	OnMetrics(m ftms.TreadmillMetrics)
	OnDecodeError(err error)
	OnStateChange(state ConnectionState)
	// OnTransportError is the terminal event of a session.
	OnTransportError(err error)
}

// MultiSink fans every call out to each sink in order.
type MultiSink []MetricsSink

func (s MultiSink) OnMetrics(m ftms.TreadmillMetrics) {
	for _, sink := range s {
		sink.OnMetrics(m)
	}
}

func (s MultiSink) OnDecodeError(err error) {
	for _, sink := range s {
		sink.OnDecodeError(err)
	}
}

func (s MultiSink) OnStateChange(state ConnectionState) {
	for _, sink := range s {
		sink.OnStateChange(state)
	}
}

func (s MultiSink) OnTransportError(err error) {
	for _, sink := range s {
		sink.OnTransportError(err)
	}
}
