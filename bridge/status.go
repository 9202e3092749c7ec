package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type bridgeMetrics struct {
	deviceOnline  prometheus.Gauge
	deviceErrors  prometheus.Counter
	commands      prometheus.Counter
	eventsQueued  prometheus.Counter
	eventsSent    prometheus.Counter
	responsesSent prometheus.Counter
	queueRetries  prometheus.Counter
}

// newBridgeMetrics registers on a private registry so several bridges can
// coexist in one process.
func newBridgeMetrics(reg prometheus.Registerer) *bridgeMetrics {
	factory := promauto.With(reg)
	return &bridgeMetrics{
		deviceOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "obniz", Subsystem: "bridge", Name: "device_online",
			Help: "1 while the device websocket session is established.",
		}),
		deviceErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "obniz", Subsystem: "bridge", Name: "device_errors_total",
			Help: "Errors raised by the device client.",
		}),
		commands: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "obniz", Subsystem: "bridge", Name: "commands_total",
			Help: "Commands received from the broker.",
		}),
		eventsQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "obniz", Subsystem: "bridge", Name: "events_queued_total",
			Help: "Device notifications written to the outbound queue.",
		}),
		eventsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "obniz", Subsystem: "bridge", Name: "events_sent_total",
			Help: "Events delivered to the broker.",
		}),
		responsesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "obniz", Subsystem: "bridge", Name: "responses_sent_total",
			Help: "Command responses delivered to the broker.",
		}),
		queueRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "obniz", Subsystem: "bridge", Name: "queue_retries_total",
			Help: "Queue entries requeued after failed delivery.",
		}),
	}
}

func (b *Bridge) StatusHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/status", b.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}))
	return r
}

func (b *Bridge) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(b.Status()); err != nil {
		b.log.Errorf("bridge status encode err=%v", err)
	}
}

// ServeStatus blocks serving the status endpoint until Close.
func (b *Bridge) ServeStatus(addr string) error {
	srv := &http.Server{Addr: addr, Handler: b.StatusHandler()}
	if !b.alive.Add(1) {
		return errors.Errorf("bridge is closed")
	}
	go func() {
		defer b.alive.Done()
		<-b.alive.StopChan()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		err = nil
	}
	return errors.Annotatef(err, "status listen=%s", addr)
}
