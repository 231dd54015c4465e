package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/cmd/internal/realtime"
)

// statusSource is the part of the connection manager the debug routes read.
type statusSource interface {
	State() realtime.ConnectionState
	ReconnectAttempt() int
	Channels() []realtime.ChannelSubscription
	PendingOperations() []realtime.PendingOperation
}

type queueStatus struct {
	State            string                         `json:"state"`
	ReconnectAttempt int                            `json:"reconnect_attempt"`
	Channels         []realtime.ChannelSubscription `json:"channels"`
	Pending          []realtime.PendingOperation    `json:"pending"`
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	src statusSource,
	gatherer prometheus.Gatherer,
	dbPool *pgxpool.Pool,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if st := src.State(); st != realtime.StateConnected {
			http.Error(w, "cable "+st.String(), http.StatusServiceUnavailable)
			return
		}

		if dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.HandleFunc("/debug/queue", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body := queueStatus{
			State:            src.State().String(),
			ReconnectAttempt: src.ReconnectAttempt(),
			Channels:         src.Channels(),
			Pending:          src.PendingOperations(),
		}
		if body.Channels == nil {
			body.Channels = []realtime.ChannelSubscription{}
		}
		if body.Pending == nil {
			body.Pending = []realtime.PendingOperation{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Warn("debug.queue.encode.fail", "err", err)
		}
	})

	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}
