package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/user/termscope/internal/hub"
	"github.com/user/termscope/internal/screen"
	"github.com/user/termscope/internal/store"
	"github.com/user/termscope/internal/supervisor"
	"github.com/user/termscope/internal/transport"
)

type openSessionRequest struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Command string `json:"command"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
	WorkDir string `json:"work_dir"`
}

type sendInputRequest struct {
	Text string `json:"text"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type pointPayload struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type setSelectionRequest struct {
	Start pointPayload `json:"start"`
	End   pointPayload `json:"end"`
}

type sessionResponse struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
	Alive bool   `json:"alive"`
}

type screenResponse struct {
	Rows   []string     `json:"rows"`
	Cursor pointPayload `json:"cursor"`
}

type errorEventResponse struct {
	ID         int64     `json:"id"`
	Stream     string    `json:"stream"`
	Rule       string    `json:"rule"`
	Key        string    `json:"key"`
	Block      string    `json:"block"`
	DetectedAt time.Time `json:"detected_at"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	kind := transport.Kind(req.Kind)
	switch kind {
	case "":
		kind = transport.KindPTY
	case transport.KindMultiplexed, transport.KindPTY:
	default:
		jsonError(w, http.StatusBadRequest, "kind must be multiplexed or pty")
		return
	}

	sess, err := h.sup.OpenSession(r.Context(), supervisor.OpenRequest{
		Kind:    kind,
		Name:    req.Name,
		Command: req.Command,
		Cols:    req.Cols,
		Rows:    req.Rows,
		WorkDir: req.WorkDir,
	})
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.pushSessions()
	jsonResponse(w, http.StatusCreated, h.sessionResponse(sess))
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && status != store.StatusActive {
		if h.sessions == nil {
			jsonError(w, http.StatusNotImplemented, "persistence is disabled")
			return
		}
		records, err := h.sessions.List(r.Context(), store.SessionFilter{Status: status})
		if err != nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]sessionResponse, 0, len(records))
		for _, rec := range records {
			out = append(out, sessionResponse{
				ID:   rec.ID,
				Kind: rec.Kind,
				Name: rec.Name,
				Cols: rec.Cols,
				Rows: rec.Rows,
			})
		}
		jsonResponse(w, http.StatusOK, out)
		return
	}

	live := h.sup.Sessions()
	out := make([]sessionResponse, 0, len(live))
	for _, sess := range live {
		out = append(out, h.sessionResponse(sess))
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.sup.Get(id)
	if err == nil {
		jsonResponse(w, http.StatusOK, h.sessionResponse(sess))
		return
	}
	if !errors.Is(err, supervisor.ErrUnknownSession) {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Closed sessions survive in the store.
	if h.sessions != nil {
		rec, err := h.sessions.Get(r.Context(), id)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rec != nil {
			jsonResponse(w, http.StatusOK, sessionResponse{
				ID:   rec.ID,
				Kind: rec.Kind,
				Name: rec.Name,
				Cols: rec.Cols,
				Rows: rec.Rows,
			})
			return
		}
	}
	jsonError(w, http.StatusNotFound, "session not found")
}

func (h *handler) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.CloseSession(r.PathValue("id")); err != nil {
		status, msg := mapSupervisorError(err)
		jsonError(w, status, msg)
		return
	}
	h.pushSessions()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) sendInput(w http.ResponseWriter, r *http.Request) {
	var req sendInputRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		jsonError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := h.sup.SendInput(r.PathValue("id"), req.Text); err != nil {
		status, msg := mapSupervisorError(err)
		jsonError(w, status, msg)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *handler) resizeSession(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		jsonError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}
	if err := h.sup.Resize(r.Context(), r.PathValue("id"), req.Cols, req.Rows); err != nil {
		status, msg := mapSupervisorError(err)
		jsonError(w, status, msg)
		return
	}
	h.pushSessions()
	jsonResponse(w, http.StatusOK, map[string]string{"status": "resized"})
}

func (h *handler) getScreen(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cells, err := h.sup.RenderRows(id)
	if err != nil {
		status, msg := mapSupervisorError(err)
		jsonError(w, status, msg)
		return
	}
	x, y, err := h.sup.CursorPosition(id)
	if err != nil {
		status, msg := mapSupervisorError(err)
		jsonError(w, status, msg)
		return
	}

	rows := make([]string, len(cells))
	for i, row := range cells {
		runes := make([]rune, len(row))
		for j, cell := range row {
			if cell.Rune == 0 {
				runes[j] = ' '
			} else {
				runes[j] = cell.Rune
			}
		}
		rows[i] = string(runes)
	}
	jsonResponse(w, http.StatusOK, screenResponse{Rows: rows, Cursor: pointPayload{X: x, Y: y}})
}

func (h *handler) setSelection(w http.ResponseWriter, r *http.Request) {
	var req setSelectionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := r.PathValue("id")
	start := screen.Point{X: req.Start.X, Y: req.Start.Y}
	end := screen.Point{X: req.End.X, Y: req.End.Y}
	if err := h.sup.SetSelection(id, start, end); err != nil {
		status, msg := mapSupervisorError(err)
		jsonError(w, status, msg)
		return
	}
	text, err := h.sup.SelectedText(id)
	if err != nil {
		status, msg := mapSupervisorError(err)
		jsonError(w, status, msg)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"text": text})
}

func (h *handler) getHistory(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			jsonError(w, http.StatusBadRequest, "invalid n query parameter")
			return
		}
		n = parsed
	}
	entries, err := h.sup.CommandHistory(r.PathValue("id"), n)
	if err != nil {
		status, msg := mapSupervisorError(err)
		jsonError(w, status, msg)
		return
	}
	jsonResponse(w, http.StatusOK, entries)
}

func (h *handler) getErrors(w http.ResponseWriter, r *http.Request) {
	if h.errors == nil {
		jsonError(w, http.StatusNotImplemented, "persistence is disabled")
		return
	}
	records, err := h.errors.ListBySession(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]errorEventResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, errorEventResponse{
			ID:         rec.ID,
			Stream:     rec.Stream,
			Rule:       rec.Rule,
			Key:        rec.DedupKey,
			Block:      rec.Block,
			DetectedAt: rec.DetectedAt,
		})
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) sessionResponse(sess *supervisor.Session) sessionResponse {
	cols, rows := sess.Size()
	alive, err := h.sup.Alive(sess.ID)
	if err != nil {
		alive = false
	}
	return sessionResponse{
		ID:    sess.ID,
		Kind:  string(sess.Kind),
		Name:  sess.Name,
		Cols:  cols,
		Rows:  rows,
		Alive: alive,
	}
}

func (h *handler) pushSessions() {
	if h.hub == nil {
		return
	}
	live := h.sup.Sessions()
	infos := make([]hub.SessionInfo, 0, len(live))
	for _, sess := range live {
		cols, rows := sess.Size()
		infos = append(infos, hub.SessionInfo{
			ID:   sess.ID,
			Kind: string(sess.Kind),
			Name: sess.Name,
			Cols: cols,
			Rows: rows,
		})
	}
	h.hub.BroadcastSessions(infos)
}

func mapSupervisorError(err error) (int, string) {
	switch {
	case errors.Is(err, supervisor.ErrUnknownSession):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, supervisor.ErrScreenUnavailable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, transport.ErrSessionClosed):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
