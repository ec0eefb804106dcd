package serv

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/nightscape/knowledge/core"
	"github.com/nightscape/knowledge/internal/render"
	"github.com/nightscape/knowledge/internal/types"
)

type queryRequest struct {
	Doc    string                     `json:"doc"`
	Params map[string]json.RawMessage `json:"params,omitempty"`
}

type queryResponse struct {
	SQL    string            `json:"sql"`
	Spec   render.RenderSpec `json:"spec"`
	Params []string          `json:"params,omitempty"`
	Rows   []types.Entity    `json:"rows"`
}

type operationRequest struct {
	Entity string                     `json:"entity"`
	Name   string                     `json:"name"`
	Params map[string]json.RawMessage `json:"params"`
}

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK")) //nolint:errcheck
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Get("/query/watch", s.handleWatch)
		r.Post("/operation", s.handleOperation)
		r.Get("/operations", s.handleListOperations)
		r.Get("/ui-state", s.handleGetUIState)
		r.Put("/ui-state", s.handleSetUIState)
	})
	return r
}

// handleQuery compiles a document and executes it once.
func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	cq, err := s.engine.CompileQuery(req.Doc)
	if err != nil {
		httpError(w, compileStatus(err), err)
		return
	}

	params, err := decodeParams(req.Params)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := s.engine.ExecuteQuery(r.Context(), cq.SQL, params)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, queryResponse{
		SQL:    cq.SQL,
		Spec:   cq.Spec,
		Params: cq.Params,
		Rows:   rows,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type watchEvent struct {
	Type  string       `json:"type"`
	Table string       `json:"table,omitempty"`
	Rows  []rowChange  `json:"rows,omitempty"`
	Error string       `json:"error,omitempty"`
}

type rowChange struct {
	Change string       `json:"change"`
	Data   types.Entity `json:"data"`
}

// handleWatch upgrades to a websocket and streams coalesced row changes for
// the compiled document's source table. Closing the socket aborts the watch.
func (s *Service) handleWatch(w http.ResponseWriter, r *http.Request) {
	doc := r.URL.Query().Get("doc")
	if doc == "" {
		httpError(w, http.StatusBadRequest, errors.New("missing doc parameter"))
		return
	}
	cq, err := s.engine.CompileQuery(doc)
	if err != nil {
		httpError(w, compileStatus(err), err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close() //nolint:errcheck

	watch, err := s.engine.WatchCompiled(cq)
	if err != nil {
		conn.WriteJSON(watchEvent{Type: "error", Error: err.Error()}) //nolint:errcheck
		return
	}
	defer watch.Close()

	// reader loop only to detect the peer going away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				watch.Close()
				return
			}
		}
	}()

	for {
		select {
		case batch, ok := <-watch.Events():
			if !ok {
				return
			}
			ev := watchEvent{Type: "rows", Table: watch.Table()}
			for _, rc := range batch {
				ev.Rows = append(ev.Rows, rowChange{
					Change: rc.Type.String(),
					Data:   rc.Data,
				})
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case serr, ok := <-watch.Status():
			if !ok {
				return
			}
			if err := conn.WriteJSON(watchEvent{Type: "lagged", Error: serr.Error()}); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// handleOperation dispatches one operation through the façade.
func (s *Service) handleOperation(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	params, err := decodeParams(req.Params)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	entity := types.Entity{}
	for k, v := range params {
		entity[k] = v
	}
	err = s.engine.Operations().ExecuteOperation(r.Context(), req.Entity, req.Name, entity)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, types.ErrPreconditionFailed),
		errors.Is(err, types.ErrParameterMissing),
		errors.Is(err, types.ErrValidationFailed):
		httpError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, types.ErrUnknownOperation):
		httpError(w, http.StatusNotFound, err)
	default:
		httpError(w, http.StatusBadGateway, err)
	}
}

func (s *Service) handleListOperations(w http.ResponseWriter, r *http.Request) {
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		writeJSON(w, s.engine.Operations().Operations())
		return
	}
	args := r.URL.Query()["arg"]
	writeJSON(w, s.engine.Operations().FindOperations(entity, args))
}

func (s *Service) handleGetUIState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.engine.GetUIState())
}

func (s *Service) handleSetUIState(w http.ResponseWriter, r *http.Request) {
	var state core.UIState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	s.engine.SetUIState(state)
	w.WriteHeader(http.StatusNoContent)
}

// decodeParams maps raw JSON params onto typed values.
func decodeParams(raw map[string]json.RawMessage) (map[string]types.Value, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]types.Value, len(raw))
	for name, rv := range raw {
		var v interface{}
		if err := json.Unmarshal(rv, &v); err != nil {
			return nil, errors.Wrapf(err, "param %s", name)
		}
		switch x := v.(type) {
		case float64:
			if x == float64(int64(x)) {
				out[name] = types.Integer(int64(x))
			} else {
				out[name] = types.Float(x)
			}
		default:
			out[name] = types.FromAny(v)
		}
	}
	return out, nil
}

func compileStatus(err error) int {
	var ce *types.CompileError
	if errors.As(err, &ce) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func httpError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
