// Package completion serves the completion endpoints the gateway relay
// forwards to.
package completion

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/internal/model/chat"
	completionService "github.com/luma-therapy/luma/backend/internal/service/completion"
	"github.com/luma-therapy/luma/backend/pkg/utils"
)

const maxBodyBytes = 1 << 20

// Completer is the part of the completion service the handler needs.
type Completer interface {
	Complete(ctx context.Context, req completionService.Request) (string, error)
	Stream(ctx context.Context, req completionService.Request) (completionService.TokenStream, error)
}

// Handler serves /chat/completion and /chat/stream.
type Handler struct {
	svc Completer
}

// New creates a completion handler.
func New(svc Completer) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/completion", h.handleCompletion)
	r.Post("/chat/stream", h.handleStream)
}

func respondDetail(w http.ResponseWriter, status int, detail string) {
	utils.RespondJSON(w, status, map[string]string{"detail": detail})
}

func (h *Handler) parse(w http.ResponseWriter, r *http.Request) (completionService.Request, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondDetail(w, http.StatusBadRequest, completionService.ErrInvalidFormat.Error())
		return completionService.Request{}, false
	}

	req, err := completionService.ParseRequest(body)
	if err != nil {
		var roleErr *completionService.InvalidRoleError
		if errors.As(err, &roleErr) {
			respondDetail(w, http.StatusBadRequest, roleErr.Error())
		} else {
			respondDetail(w, http.StatusBadRequest, completionService.ErrInvalidFormat.Error())
		}
		return completionService.Request{}, false
	}
	return req, true
}

func (h *Handler) handleCompletion(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}

	reply, err := h.svc.Complete(r.Context(), req)
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Str("user_id", req.UserID).Msg("completion failed")
		respondDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"response": reply})
}

// handleStream emits token frames and always ends with a done frame, an
// error frame preceding it when generation fails midway.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	req, ok := h.parse(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	stream, err := h.svc.Stream(ctx, req)
	if err != nil {
		logger.Error().Err(err).Str("user_id", req.UserID).Msg("stream open failed")
		respondDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer stream.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	tokens := 0
	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Int("tokens", tokens).Msg("client went away mid-stream")
				return
			}
			logger.Error().Err(err).Int("tokens", tokens).Msg("stream failed")
			_ = utils.SendSSEChunk(w, flusher, chat.Frame{Error: err.Error()})
			break
		}
		if err := utils.SendSSEChunk(w, flusher, chat.Frame{Token: token}); err != nil {
			logger.Info().Err(err).Msg("stream write failed")
			return
		}
		tokens++
	}

	_ = utils.SendSSEChunk(w, flusher, chat.Frame{Done: true})
	logger.Debug().Int("tokens", tokens).Msg("stream finished")
}
