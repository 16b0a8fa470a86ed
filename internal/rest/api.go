package rest

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/passport"
	"github.com/primetype-labs/asmtpd/internal/session"
	"github.com/primetype-labs/asmtpd/internal/topic"
	"github.com/primetype-labs/asmtpd/internal/wire"
)

type errorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func respondError(c *gin.Context, status int, message string, err error) {
	msg := errorMessage{Code: status, Message: message}
	if err != nil {
		msg.Details = err.Error()
	}
	c.JSON(status, msg)
}

// setupRoutes registers every §4.12 endpoint plus the admin WebSocket
// feed, grouped the way zerogo's controller separates public routes
// from the session-gated admin group.
func (s *Server) setupRoutes(r *gin.Engine) {
	r.POST("/auth", s.handleAuth)

	r.GET("/topic/:topic", s.handleTopicGetMessages)
	r.POST("/topic/:topic", s.handleTopicSubscribe)
	r.POST("/topic/:topic/message", s.handleTopicPostMessage)
	r.DELETE("/topic/:topic", s.handleTopicDeleteMessages)

	r.GET("/passport/:id", s.handleGetPassport)
	r.GET("/passport/search/:prefix", s.handleSearchPassport)
	r.POST("/passport", s.handlePostPassport)

	r.DELETE("/sessions", s.handleDeleteSessions)

	r.GET("/admin/feed", s.handleAdminFeed)
}

// --- auth ---

func (s *Server) handleAuth(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}

	reply, result, err := wire.RespondHandshake(s.self, body, s.acceptAuth)
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}

	s.sessions.Insert(session.New(result.SessionID, result.RemoteIdentity, time.Now()))
	c.Data(http.StatusOK, "application/octet-stream", reply)
}

// acceptAuth mirrors State::auth: only identities with a passport
// registered under their public key may authenticate.
func (s *Server) acceptAuth(remote identity.PublicIdentity) bool {
	_, ok, err := s.passports.PassportFromKey(remote)
	return err == nil && ok
}

// --- topic ---

func (s *Server) parseTopicParam(c *gin.Context) (topic.Topic, bool) {
	t, err := topic.Parse(c.Param("topic"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return topic.Topic{}, false
	}
	return t, true
}

type topicMessageView struct {
	ID      string `json:"id"`
	Message []byte `json:"message"`
}

func (s *Server) handleTopicGetMessages(c *gin.Context) {
	t, ok := s.parseTopicParam(c)
	if !ok {
		return
	}
	subscribed, err := s.topics.Contains(t)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err)
		return
	}
	if !subscribed {
		respondError(c, http.StatusNotFound, "NOT_FOUND", nil)
		return
	}

	from, err := parseOptionalUint32(c.Query("from"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	to, err := parseOptionalUint32(c.Query("to"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}

	records, err := s.topics.RangeTime(t, from)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err)
		return
	}

	out := make([]topicMessageView, 0, len(records))
	for _, r := range records {
		if to != 0 && r.ID.ArrivalTime() > to {
			continue
		}
		out = append(out, topicMessageView{ID: hex.EncodeToString(r.ID[:]), Message: r.Bytes})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleTopicSubscribe(c *gin.Context) {
	t, ok := s.parseTopicParam(c)
	if !ok {
		return
	}
	if err := s.topics.Insert(t); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleTopicPostMessage(c *gin.Context) {
	t, ok := s.parseTopicParam(c)
	if !ok {
		return
	}
	subscribed, err := s.topics.Contains(t)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err)
		return
	}
	if !subscribed {
		respondError(c, http.StatusNotFound, "NOT_FOUND", nil)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	if _, err := s.topics.InsertMessage(t, body); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleTopicDeleteMessages(c *gin.Context) {
	t, ok := s.parseTopicParam(c)
	if !ok {
		return
	}
	subscribed, err := s.topics.Contains(t)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err)
		return
	}
	if !subscribed {
		respondError(c, http.StatusNotFound, "NOT_FOUND", nil)
		return
	}

	until, err := parseOptionalUint32(c.Query("until"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	if until == 0 {
		until = uint32(time.Now().Unix()) + 1
	}
	if err := s.topics.RemoveRange(t, until); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err)
		return
	}
	c.Status(http.StatusOK)
}

// --- passport ---

func (s *Server) handleGetPassport(c *gin.Context) {
	id, err := parsePassportIDParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}

	chain, ok, err := s.passports.GetChain(id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err)
		return
	}
	if !ok {
		respondError(c, http.StatusNotFound, "NOT_FOUND", nil)
		return
	}

	out := make([]string, len(chain))
	for i, b := range chain {
		out[i] = hex.EncodeToString(passport.EncodeBlock(b))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSearchPassport(c *gin.Context) {
	matches, err := s.passports.SearchIDs(c.Param("prefix"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err)
		return
	}

	type pair struct {
		Key        string `json:"key"`
		PassportID string `json:"passport_id"`
	}
	out := make([]pair, 0, len(matches))
	for key, id := range matches {
		out = append(out, pair{Key: key, PassportID: hex.EncodeToString(id[:])})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePostPassport(c *gin.Context) {
	if _, ok := s.requireAdminSession(c); !ok {
		return
	}

	var hexBlocks []string
	if err := c.ShouldBindJSON(&hexBlocks); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	if len(hexBlocks) == 0 {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("empty block list"))
		return
	}

	blocks := make([]passport.Block, len(hexBlocks))
	for i, h := range hexBlocks {
		raw, err := hex.DecodeString(h)
		if err != nil {
			respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
			return
		}
		b, err := passport.DecodeBlock(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
			return
		}
		blocks[i] = b
	}

	id, err := s.passports.PutChain(blocks)
	if errors.Is(err, passport.ErrDuplicate) {
		id, err = s.extendChain(blocks)
	}
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}

	c.String(http.StatusCreated, hex.EncodeToString(id[:]))
}

// extendChain appends every block after the genesis to an already
// stored chain, tolerating blocks the store already has.
func (s *Server) extendChain(blocks []passport.Block) (topic.PassportID, error) {
	var id topic.PassportID
	for _, b := range blocks[1:] {
		appended, err := s.passports.AppendBlock(b)
		if err != nil {
			return topic.PassportID{}, err
		}
		id = appended
	}
	return id, nil
}

// --- admin ---

func (s *Server) handleDeleteSessions(c *gin.Context) {
	if _, ok := s.requireAdminSession(c); !ok {
		return
	}
	s.sessions.Clear()
	c.Status(http.StatusOK)
}

// handleAdminFeed gates the WebSocket admin feed behind the same
// admin-session check as the other privileged routes: it streams every
// topic message-insert and unsubscribe in the broker, not something to
// hand an unauthenticated caller.
func (s *Server) handleAdminFeed(c *gin.Context) {
	if _, ok := s.requireAdminSession(c); !ok {
		return
	}
	s.ws.HandleFeed(c)
}

// requireAdminSession looks up the caller's session and checks that its
// remote identity appears in the server's own passport's active master
// keys (spec §4.12's admin-authorization rule). On failure it writes the
// error response itself and returns ok=false.
func (s *Server) requireAdminSession(c *gin.Context) (*session.Session, bool) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return nil, false
	}
	if !s.isAdmin(sess.RemotePublicIdentity()) {
		respondError(c, http.StatusForbidden, "FORBIDDEN", errors.New("session lacks admin privilege"))
		return nil, false
	}
	return sess, true
}

func (s *Server) lookupSession(c *gin.Context) (*session.Session, bool) {
	raw := c.GetHeader(SessionIDHeader)
	if raw == "" {
		respondError(c, http.StatusNetworkAuthenticationRequired, "AUTHENTICATION_REQUIRED", session.ErrNotFound)
		return nil, false
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != 64 {
		respondError(c, http.StatusNetworkAuthenticationRequired, "AUTHENTICATION_REQUIRED", session.ErrNotFound)
		return nil, false
	}
	var id [64]byte
	copy(id[:], decoded)

	sess, err := s.sessions.Lookup(id, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrIdleTooLong):
			respondError(c, http.StatusUnauthorized, "SESSION_EXPIRED", err)
		default:
			respondError(c, http.StatusNetworkAuthenticationRequired, "AUTHENTICATION_REQUIRED", err)
		}
		return nil, false
	}
	return sess, true
}

// isAdmin checks remote against the server's own passport's active
// master keys, grounded on state.rs's ensure_is_admin_session.
func (s *Server) isAdmin(remote identity.PublicIdentity) bool {
	id, ok, err := s.passports.PassportFromKey(s.self.Public())
	if err != nil || !ok {
		return false
	}
	active, err := s.passports.ActiveMasterKeys(id)
	if err != nil {
		return false
	}
	_, isActive := active[remote]
	return isActive
}

func parsePassportIDParam(raw string) (topic.PassportID, error) {
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return topic.PassportID{}, err
	}
	if len(decoded) != len(topic.PassportID{}) {
		return topic.PassportID{}, hex.ErrLength
	}
	var id topic.PassportID
	copy(id[:], decoded)
	return id, nil
}

func parseOptionalUint32(raw string) (uint32, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
