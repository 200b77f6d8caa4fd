package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/donorchat/internal/chat"
	"github.com/npezzotti/donorchat/internal/types"
)

// multipartOverhead bounds the form fields and headers sent alongside an
// attachment.
const multipartOverhead = 1 << 20

type CreateRoomRequest struct {
	Type         types.RoomType      `json:"type"`
	Name         string              `json:"name"`
	DonationRef  string              `json:"donation_ref"`
	Participants []types.Participant `json:"participants"`
}

type DirectRoomRequest struct {
	UserId      string `json:"user_id"`
	Username    string `json:"username"`
	DonationRef string `json:"donation_ref"`
}

type UpdateRoomRequest struct {
	Name        *string `json:"name"`
	DonationRef *string `json:"donation_ref"`
	IsActive    *bool   `json:"is_active"`
}

type AddParticipantRequest struct {
	UserId   string `json:"user_id"`
	Username string `json:"username"`
}

func (s *DonorChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *DonorChatApp) writeError(w http.ResponseWriter, err error) {
	errResp := apiErrorFrom(err)
	switch {
	case errResp.Retryable:
		s.log.Printf("store unavailable: %v", err)
		w.Header().Set("Retry-After", "1")
	case errResp.StatusCode >= http.StatusInternalServerError:
		s.log.Printf("internal error: %v", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *DonorChatApp) currentUser(w http.ResponseWriter, r *http.Request) (types.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
	return user, ok
}

func (s *DonorChatApp) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}
	return true
}

func (s *DonorChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *DonorChatApp) session(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

// refresh reissues the session cookie with a fresh expiry.
func (s *DonorChatApp) refresh(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	token, err := IssueToken(s.signingKey, user, defaultExp)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultExp))
	s.writeJson(w, http.StatusOK, user)
}

func (s *DonorChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	cookie := createJwtCookie("", 0)
	cookie.Expires = time.Unix(0, 0)
	cookie.MaxAge = -1
	http.SetCookie(w, cookie)
	w.WriteHeader(http.StatusNoContent)
}

func (s *DonorChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var filter chat.RoomFilter
	if activeStr := r.URL.Query().Get("active"); activeStr != "" {
		active, err := strconv.ParseBool(activeStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		filter.IsActive = &active
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		filter.Limit = limit
	}

	rooms, err := s.engine.ListRooms(r.Context(), user, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rooms == nil {
		rooms = []types.Room{}
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *DonorChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req CreateRoomRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	room, err := s.engine.CreateRoom(r.Context(), user, chat.CreateRoomParams{
		Type:         req.Type,
		Name:         req.Name,
		DonationRef:  req.DonationRef,
		Participants: req.Participants,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *DonorChatApp) openDirectRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req DirectRoomRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	other := types.User{Id: req.UserId, Username: req.Username}
	room, created, err := s.engine.OpenDirectRoom(r.Context(), user, other, req.DonationRef)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJson(w, status, room)
}

func (s *DonorChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	room, err := s.engine.GetRoom(r.Context(), user, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *DonorChatApp) updateRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req UpdateRoomRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	room, err := s.engine.UpdateRoom(r.Context(), user, r.PathValue("id"), chat.RoomPatch{
		Name:        req.Name,
		DonationRef: req.DonationRef,
		IsActive:    req.IsActive,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *DonorChatApp) addParticipant(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req AddParticipantRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	room, err := s.engine.AddParticipant(r.Context(), user, r.PathValue("id"), types.Participant{
		UserId:   req.UserId,
		Username: req.Username,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *DonorChatApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	if _, err := s.engine.LeaveRoom(r.Context(), user, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *DonorChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	cleared, err := s.engine.MarkRead(r.Context(), user, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *DonorChatApp) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, chat.MaxAttachmentSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var maxErr *http.MaxBytesError
		errResp := NewBadRequestError()
		if errors.As(err, &maxErr) {
			errResp = NewRequestTooLargeError()
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, chat.MaxAttachmentSize+1))
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if len(data) > chat.MaxAttachmentSize {
		errResp := NewRequestTooLargeError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	msg, err := s.engine.SendFile(r.Context(), user, r.PathValue("id"), chat.FileUpload{
		Name:     header.Filename,
		MimeType: mimeType,
		Data:     data,
	}, r.FormValue("caption"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *DonorChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId := r.URL.Query().Get("room_id")
	if roomId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var (
		before int64
		limit  int
		err    error
	)

	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		before, err = strconv.ParseInt(beforeStr, 10, 64)
		if err != nil || before < 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.engine.ListMessages(r.Context(), user, roomId, before, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if messages == nil {
		messages = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *DonorChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	msg, err := s.engine.DeleteMessage(r.Context(), user, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *DonorChatApp) getUnread(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	unread, err := s.engine.Unread(r.Context(), user)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, unread)
}

func (s *DonorChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if _, err := s.cs.Connect(r.Context(), user, conn); err != nil {
		s.log.Printf("error starting session for %q: %v", user.Username, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session unavailable"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
