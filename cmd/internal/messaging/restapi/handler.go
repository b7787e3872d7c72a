package restapi

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"relay/cmd/internal/messaging"
	"relay/cmd/security/token"
)

// Verifier validates a bearer token. *token.Manager implements it.
type Verifier interface {
	Verify(raw string) (token.Claims, error)
}

// OnlineLister reports the currently online user ids. *realtime.Registry implements it.
type OnlineLister interface {
	OnlineUsers() []string
}

// Handler wires HTTP endpoints to the messaging service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      *messaging.Service
	presence OnlineLister
	verifier Verifier
}

// NewHandler constructs a Handler. verifier may be nil only when cfg.DevHeader is set.
func NewHandler(log *slog.Logger, cfg Config, svc *messaging.Service, presence OnlineLister, verifier Verifier) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("restapi: nil messaging service")
	}
	if presence == nil {
		return nil, errors.New("restapi: nil presence lister")
	}
	if verifier == nil && !cfg.DevHeader {
		return nil, errors.New("restapi: no token verifier and dev header disabled")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{log: log, cfg: cfg, svc: svc, presence: presence, verifier: verifier}, nil
}

// Register wires REST routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /conversations", h.handleConversations)
	mux.HandleFunc("GET /messages/{userId}", h.handleListMessages)
	mux.HandleFunc("POST /messages", h.handleSend)
	mux.HandleFunc("PUT /messages/{userId}/read", h.handleMarkRead)
	mux.HandleFunc("DELETE /messages/{id}", h.handleDeleteMessage)
	mux.HandleFunc("DELETE /messages/conversation/{userId}", h.handleDeleteConversation)
	mux.HandleFunc("GET /presence/online", h.handleOnline)
}

// ---- handlers ----

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	convs, err := h.svc.Conversations(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "api.conversations", err)
		return
	}
	writeData(w, http.StatusOK, convs)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	msgs, err := h.svc.ListMessages(r.Context(), userID, r.PathValue("userId"))
	if err != nil {
		h.writeServiceError(w, "api.messages.list", err)
		return
	}
	writeData(w, http.StatusOK, msgs)
}

type sendRequest struct {
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
	Image    string `json:"image"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	req, err := h.readSendRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.svc.SendMessage(r.Context(), messaging.SendInput{
		SenderID:   userID,
		ReceiverID: req.Receiver,
		Text:       req.Content,
		ImageRef:   req.Image,
	})
	if err != nil {
		h.writeServiceError(w, "api.messages.send", err)
		return
	}
	writeData(w, http.StatusCreated, msg)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.svc.MarkConversationRead(r.Context(), userID, r.PathValue("userId"))
	if err != nil {
		h.writeServiceError(w, "api.messages.read", err)
		return
	}
	writeCount(w, n)
}

type deleteResult struct {
	ID        string `json:"id"`
	IsDeleted bool   `json:"isDeleted"`
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	m, err := h.svc.DeleteMessage(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "api.messages.delete", err)
		return
	}
	writeData(w, http.StatusOK, deleteResult{ID: m.ID, IsDeleted: m.IsDeleted})
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.svc.DeleteConversation(r.Context(), userID, r.PathValue("userId"))
	if err != nil {
		h.writeServiceError(w, "api.conversation.delete", err)
		return
	}
	writeCount(w, n)
}

func (h *Handler) handleOnline(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	writeData(w, http.StatusOK, h.presence.OnlineUsers())
}

// ---- helpers ----

// readSendRequest accepts multipart or urlencoded forms (receiver, content, image) or JSON.
func (h *Handler) readSendRequest(w http.ResponseWriter, r *http.Request) (sendRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		if err := r.ParseMultipartForm(h.cfg.MaxBodyBytes); err != nil {
			return sendRequest{}, err
		}
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return sendRequest{}, err
		}
	default:
		var req sendRequest
		err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req)
		return req, err
	}
	return sendRequest{
		Receiver: r.PostFormValue("receiver"),
		Content:  r.PostFormValue("content"),
		Image:    r.PostFormValue("image"),
	}, nil
}

// requireUser resolves the caller from the bearer token, or from X-User-ID in dev mode.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if raw, ok := token.BearerToken(r.Header.Get("Authorization")); ok && h.verifier != nil {
		claims, err := h.verifier.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return "", false
		}
		return claims.UserID(), true
	}
	if h.cfg.DevHeader {
		if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
			return id, true
		}
	}
	writeError(w, http.StatusUnauthorized, "missing bearer token")
	return "", false
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var oe messaging.OpError
	msg := err.Error()
	if errors.As(err, &oe) && oe.Msg != "" {
		msg = oe.Msg
	}
	switch {
	case messaging.IsValidation(err):
		writeError(w, http.StatusBadRequest, msg)
	case messaging.IsNotFound(err):
		writeError(w, http.StatusNotFound, msg)
	case messaging.IsForbidden(err):
		writeError(w, http.StatusForbidden, msg)
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
