package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosstalk-ai/crosstalk/internal/health"
	"github.com/crosstalk-ai/crosstalk/internal/observe"
	"github.com/crosstalk-ai/crosstalk/pkg/archive"
)

// defaultSearchLimit caps archive search results when the request does not
// specify a limit.
const defaultSearchLimit = 20

// initServer assembles the HTTP surface: liveness and readiness probes, the
// Prometheus scrape endpoint, and the WebSocket audio ingress. When no listen
// address is configured the App runs without an HTTP server and speakers
// attach programmatically via [App.AttachSpeaker].
func (a *App) initServer() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}

	checkers := append([]health.Checker{a.gate.Checker("dialogue")}, a.checkers...)

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /v1/speakers/{id}", http.HandlerFunc(a.handleSpeakerSocket))
	if a.store != nil {
		mux.Handle("GET /v1/archive/search", http.HandlerFunc(a.handleArchiveSearch))
	}

	var handler http.Handler = mux
	if a.metrics != nil {
		handler = observe.Middleware(a.metrics)(mux)
	}

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveHTTP runs the listener until Shutdown. Plain close is not an error.
func (a *App) serveHTTP() error {
	a.log.Info("http server listening", slog.String("addr", a.httpSrv.Addr))

	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = a.httpSrv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleArchiveSearch serves read queries over the utterance archive.
// q is the search text; mode selects keyword (default) or semantic search;
// speaker and limit narrow the result set. Results come back as JSON.
func (a *App) handleArchiveSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "missing query parameter q", http.StatusBadRequest)
		return
	}
	limit := defaultSearchLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	opts := archive.SearchOpts{
		ThreadID:  a.threadID(),
		SpeakerID: r.URL.Query().Get("speaker"),
		Limit:     limit,
	}

	var (
		result any
		err    error
	)
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "text":
		result, err = a.store.SearchText(r.Context(), q, opts)
	case "semantic":
		result, err = a.store.SearchSemantic(r.Context(), q, limit, opts)
	default:
		http.Error(w, "invalid mode: want text or semantic", http.StatusBadRequest)
		return
	}
	if err != nil {
		a.log.Error("archive search failed", slog.Any("err", err))
		http.Error(w, "archive search failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		a.log.Warn("archive search response write failed", slog.Any("err", err))
	}
}

// handleSpeakerSocket is the audio ingress: one WebSocket connection per
// human speaker. Binary messages carry raw PCM frames that stream to the STT
// provider; the connection closing detaches the speaker.
func (a *App) handleSpeakerSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name := r.URL.Query().Get("name")
	if name == "" {
		name = id
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Warn("speaker socket accept failed", slog.String("speaker_id", id), slog.Any("err", err))
		return
	}

	ctx := r.Context()
	ss, err := a.AttachSpeaker(ctx, id, name)
	if err != nil {
		a.log.Warn("speaker attach failed", slog.String("speaker_id", id), slog.Any("err", err))
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer func() {
		if err := ss.Close(); err != nil {
			a.log.Warn("speaker close error", slog.String("speaker_id", id), slog.Any("err", err))
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			a.log.Debug("speaker socket read error", slog.String("speaker_id", id), slog.Any("err", err))
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := ss.SendAudio(data); err != nil {
			a.log.Warn("speaker audio forward failed", slog.String("speaker_id", id), slog.Any("err", err))
			conn.Close(websocket.StatusInternalError, "stt stream failed")
			return
		}
	}
}
