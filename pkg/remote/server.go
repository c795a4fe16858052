package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/astromechza/counter-sync/internal/obs"
	"github.com/astromechza/counter-sync/pkg/store"
)

const IdempotencyHeader = "Idempotency-Key"

type counterResponse struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

type adjustRequest struct {
	Delta *int64 `json:"delta"`
}

type recordRequest struct {
	Name string `json:"name"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Code  string `json:"code,omitempty"`
}

const (
	codeUnknownCounter = "unknown_counter"
	codeUnknownRecord  = "unknown_record"
)

// adjustResult is shared between requests carrying the same idempotency key.
type adjustResult struct {
	done  chan struct{}
	value int64
	err   error
}

// Server exposes a Store over HTTP and pushes adjust results to websocket watchers.
type Server struct {
	local    *Local
	hub      *hub
	seen     *cache.Cache
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type ServerOption func(s *Server)

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithIdempotencyTTL sets how long an adjust result is replayed for a repeated key.
func WithIdempotencyTTL(ttl time.Duration) ServerOption {
	return func(s *Server) { s.seen = cache.New(ttl, 2*ttl) }
}

func NewServer(st store.Store, opts ...ServerOption) *Server {
	s := &Server{
		hub:    newHub(),
		seen:   cache.New(time.Minute, 2*time.Minute),
		logger: zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.local = NewLocal(st, WithLocalLogger(s.logger), WithNotify(s.hub.publish))
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled",
				zap.String("method", request.Method),
				zap.String("url", request.URL.String()),
				zap.Duration("duration", m.Duration),
				zap.Int("status", m.Code),
			)
		})
	})

	r.Methods(http.MethodGet).Path("/counters/{name}").HandlerFunc(s.getCounter)
	r.Methods(http.MethodPost).Path("/counters/{name}/adjust").HandlerFunc(s.adjustCounter)
	r.Methods(http.MethodGet).Path("/counters/{name}/watch").HandlerFunc(s.watchCounter)
	r.Methods(http.MethodPost).Path("/records").HandlerFunc(s.createRecord)
	r.Methods(http.MethodGet).Path("/records").HandlerFunc(s.listRecords)
	r.Methods(http.MethodGet).Path("/records/{id}").HandlerFunc(s.getRecord)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	return r
}

func (s *Server) getCounter(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["name"]
	v, err := s.local.FetchCurrent(request.Context(), name)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, counterResponse{Name: name, Value: v})
}

func (s *Server) adjustCounter(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["name"]
	var inputs adjustRequest
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		s.writeError(writer, &store.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if inputs.Delta == nil {
		s.writeError(writer, &store.ValidationError{Field: "delta", Reason: "delta is required"})
		return
	}
	delta := *inputs.Delta

	key := request.Header.Get(IdempotencyHeader)
	if key == "" {
		v, err := s.local.ApplyDelta(request.Context(), name, delta)
		if err != nil {
			s.writeError(writer, err)
			return
		}
		s.writeJSON(writer, http.StatusOK, counterResponse{Name: name, Value: v})
		return
	}

	cacheKey := fmt.Sprintf("%s\x00%d\x00%s", name, delta, key)
	res := &adjustResult{done: make(chan struct{})}
	// a failed attempt is deleted before done closes; its waiters race on Add again
	for s.seen.Add(cacheKey, res, cache.DefaultExpiration) != nil {
		prev, ok := s.seen.Get(cacheKey)
		if !ok {
			continue
		}
		first := prev.(*adjustResult)
		select {
		case <-first.done:
		case <-request.Context().Done():
			return
		}
		if first.err == nil {
			obs.IdempotentReplays.Inc()
			s.logger.Debug("replayed adjust", zap.String("counter", name), zap.String("key", key))
			s.writeJSON(writer, http.StatusOK, counterResponse{Name: name, Value: first.value})
			return
		}
	}

	res.value, res.err = s.local.ApplyDelta(request.Context(), name, delta)
	if res.err != nil {
		s.seen.Delete(cacheKey)
	}
	close(res.done)
	if res.err != nil {
		s.writeError(writer, res.err)
		return
	}
	s.writeJSON(writer, http.StatusOK, counterResponse{Name: name, Value: res.value})
}

func (s *Server) watchCounter(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["name"]
	sub := s.hub.subscribe(name)
	defer s.hub.unsubscribe(sub)

	v, err := s.local.FetchCurrent(request.Context(), name)
	if err != nil {
		s.writeError(writer, err)
		return
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", zap.Error(err))
		return
	}
	defer conn.Close()
	serveWatch(request.Context(), conn, sub, Update{Name: name, Value: v}, s.logger)
}

func (s *Server) createRecord(writer http.ResponseWriter, request *http.Request) {
	var inputs recordRequest
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		s.writeError(writer, &store.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	rec, err := s.local.CreateRecord(request.Context(), inputs.Name)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusCreated, rec)
}

func (s *Server) listRecords(writer http.ResponseWriter, request *http.Request) {
	recs, err := s.local.ListRecords(request.Context())
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, recs)
}

func (s *Server) getRecord(writer http.ResponseWriter, request *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(request)["id"], 10, 64)
	if err != nil {
		s.writeError(writer, &store.ValidationError{Field: "id", Reason: "id must be an integer"})
		return
	}
	rec, err := s.local.GetRecord(request.Context(), id)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, rec)
}

func (s *Server) writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(writer http.ResponseWriter, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		obs.ValidationErrorTotal.Inc()
		s.writeJSON(writer, http.StatusBadRequest, errorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, store.ErrUnknownCounter):
		s.writeJSON(writer, http.StatusNotFound, errorResponse{Error: err.Error(), Code: codeUnknownCounter})
	case errors.Is(err, store.ErrUnknownRecord):
		s.writeJSON(writer, http.StatusNotFound, errorResponse{Error: err.Error(), Code: codeUnknownRecord})
	case errors.Is(err, store.ErrStorageUnavailable):
		s.writeJSON(writer, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("unexpected error", zap.Error(err))
		s.writeJSON(writer, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
