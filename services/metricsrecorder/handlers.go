package metricsrecorder

import (
	"net/http"

	"github.com/aegis-network/edge/infrastructure/logging"
)

// TextHandler exposes the current window's report in Prometheus text
// exposition format, the human/scraper-facing surface.
func (r *Recorder) TextHandler(log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		report, err := r.Snapshot()
		if err != nil {
			log.WithError(err).Warn("metrics snapshot failed")
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(RenderText(report)))
	}
}

// JSONHandler exposes the current window's signed MetricReport as JSON,
// the machine/oracle-facing surface: the same data as TextHandler,
// byte-identical in substance, carrying the Ed25519 signature a consumer
// can verify against the node's public key.
func (r *Recorder) JSONHandler(log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		report, err := r.Snapshot()
		if err != nil {
			log.WithError(err).Warn("metrics snapshot failed")
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
			return
		}
		body, err := MarshalReport(report)
		if err != nil {
			log.WithError(err).Warn("metrics marshal failed")
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}
