// Command webhook-receiver is a development endpoint for newton webhooks. It
// records every delivery, verifies signatures when WEBHOOK_SECRET is set, and
// can answer with a fixed failure status to exercise retries and the circuit
// breaker.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/void0-space/newton-backend-sub000/internal/webhook"
)

type request struct {
	Timestamp  string            `json:"timestamp"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Event      string            `json:"event"`
	DeliveryID string            `json:"delivery_id"`
	Verified   *bool             `json:"verified,omitempty"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type stats struct {
	Count        int64     `json:"count"`
	Rejected     int64     `json:"rejected"`
	LastRequests []request `json:"last_requests"`
	Since        string    `json:"since"`
}

const maxStored = 50

type receiver struct {
	secret     string
	failStatus int
	log        zerolog.Logger

	mu           sync.Mutex
	count        int64
	rejected     int64
	lastRequests []request
	since        time.Time
}

func newReceiver(secret string, failStatus int) *receiver {
	return &receiver{
		secret:     secret,
		failStatus: failStatus,
		log:        log.With().Str("component", "webhook-receiver").Logger(),
		since:      time.Now().UTC(),
	}
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	failStatus := 0
	if v := os.Getenv("FAIL_STATUS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 100 || n > 599 {
			log.Fatal().Str("FAIL_STATUS", v).Msg("invalid status code")
		}
		failStatus = n
	}

	r := newReceiver(os.Getenv("WEBHOOK_SECRET"), failStatus)

	log.Info().Str("addr", addr).Bool("verify", r.secret != "").Int("fail_status", failStatus).Msg("listening")
	if err := http.ListenAndServe(addr, r.routes()); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", rc.hookHandler)
	mux.HandleFunc("/stats", rc.statsHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		rc.mu.Lock()
		rc.count = 0
		rc.rejected = 0
		rc.lastRequests = nil
		rc.since = time.Now().UTC()
		rc.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})
	return mux
}

func (rc *receiver) hookHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	headers := make(map[string]string)
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	req := request{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Method:     r.Method,
		Path:       r.URL.Path,
		Event:      r.Header.Get(webhook.HeaderEvent),
		DeliveryID: r.Header.Get(webhook.HeaderDeliveryID),
		Headers:    headers,
		Body:       string(body),
	}

	// The params transport signs the encoded query instead of the body.
	signed := body
	if r.Method == http.MethodGet {
		signed = []byte(r.URL.RawQuery)
		req.Body = r.URL.RawQuery
	}
	if rc.secret != "" {
		ok := webhook.VerifySignature(rc.secret, signed, r.Header.Get(webhook.HeaderSignature))
		req.Verified = &ok
	}

	rc.mu.Lock()
	rc.count++
	current := rc.count
	rejected := req.Verified != nil && !*req.Verified
	if rejected {
		rc.rejected++
	}
	rc.lastRequests = append(rc.lastRequests, req)
	if len(rc.lastRequests) > maxStored {
		rc.lastRequests = rc.lastRequests[len(rc.lastRequests)-maxStored:]
	}
	rc.mu.Unlock()

	ev := rc.log.Info()
	if rejected {
		ev = rc.log.Warn()
	}
	ev.Int64("n", current).
		Str("event", req.Event).
		Str("delivery", req.DeliveryID).
		Bool("rejected", rejected).
		Msg("hook received")

	switch {
	case rejected:
		http.Error(w, "invalid signature", http.StatusUnauthorized)
	case rc.failStatus != 0:
		w.WriteHeader(rc.failStatus)
		fmt.Fprintf(w, `{"received":%d,"simulated_status":%d}`, current, rc.failStatus)
	default:
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"received":%d}`, current)
	}
}

func (rc *receiver) statsHandler(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:        rc.count,
		Rejected:     rc.rejected,
		LastRequests: append([]request(nil), rc.lastRequests...),
		Since:        rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}
