package api

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/process"
	"github.com/peterje/conduit/internal/procmgr"
	"github.com/peterje/conduit/internal/service"
)

const maxInputBytes = 1 << 20

type ProcessesHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

func NewProcessesHandler(svc *service.Service, logger *zap.Logger) *ProcessesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessesHandler{svc: svc, logger: logger}
}

func (h *ProcessesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	procs, err := h.svc.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, procs)
}

func (h *ProcessesHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body service.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Command == "" {
		WriteError(w, http.StatusBadRequest, "command is required")
		return
	}

	rec, err := h.svc.Start(r.Context(), body)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, rec)
}

func (h *ProcessesHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

func (h *ProcessesHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	force, ok := boolQuery(w, r, "force")
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), r.PathValue("id"), force); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTerminate stops the process but keeps its record.
func (h *ProcessesHandler) HandleTerminate(w http.ResponseWriter, r *http.Request) {
	force, ok := boolQuery(w, r, "force")
	if !ok {
		return
	}
	if err := h.svc.Terminate(r.Context(), r.PathValue("id"), force); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleInput writes the raw request body to the process's stdin.
func (h *ProcessesHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInputBytes))
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, "input too large")
		return
	}
	if err := h.svc.Input(r.Context(), r.PathValue("id"), data); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProcessesHandler) HandleCloseInput(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CloseInput(r.PathValue("id")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProcessesHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.svc.Resize(r.PathValue("id"), body.Rows, body.Cols); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleOutput returns the buffered output as tagged chunks.
func (h *ProcessesHandler) HandleOutput(w http.ResponseWriter, r *http.Request) {
	chunks, err := h.svc.Output(r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	type chunkBody struct {
		Stream string `json:"stream"`
		Data   string `json:"data"`
	}
	out := make([]chunkBody, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, chunkBody{Stream: c.Stream.String(), Data: string(c.Data)})
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *ProcessesHandler) writeServiceError(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		WriteError(w, status, err.Error())
		return
	}
	WriteErrorCode(w, status, code, err.Error())
}

// Classify maps process errors to an HTTP status and error code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, procmgr.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, process.ErrEmptyCommand),
		errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, procmgr.ErrSessionExists):
		return http.StatusConflict, "exists"
	case errors.Is(err, process.ErrStdinClosed):
		return http.StatusConflict, "stdin_closed"
	case errors.Is(err, procmgr.ErrInputBacklog):
		return http.StatusConflict, "input_backlog"
	case errors.Is(err, process.ErrProcessExited):
		return http.StatusGone, "process_exited"
	case errors.Is(err, process.ErrResizeUnsupported):
		return http.StatusNotImplemented, "resize_unsupported"
	default:
		return http.StatusInternalServerError, ""
	}
}

func boolQuery(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, name+" must be true or false")
		return false, false
	}
	return v, true
}
