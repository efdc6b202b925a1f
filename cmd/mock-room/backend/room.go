package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultMaxUsers = 2
	writeWait       = 5 * time.Second
)

// Translator turns content into the target language
type Translator interface {
	Translate(ctx context.Context, content, targetLanguage string) (string, error)
}

// TranslatorFunc adapts a function to Translator
type TranslatorFunc func(ctx context.Context, content, targetLanguage string) (string, error)

func (f TranslatorFunc) Translate(ctx context.Context, content, targetLanguage string) (string, error) {
	return f(ctx, content, targetLanguage)
}

// TagTranslator marks content with the target language instead of translating it
var TagTranslator = TranslatorFunc(func(_ context.Context, content, target string) (string, error) {
	return fmt.Sprintf("[%s] %s", target, content), nil
})

type Options struct {
	MaxUsers   int
	Translator Translator
}

type participant struct {
	id       string
	language string
	mu       sync.Mutex
	ws       *websocket.Conn
}

func (p *participant) send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return p.ws.WriteJSON(v)
}

// RoomServer serves the room socket and the participant list
type RoomServer struct {
	logger   *zap.Logger
	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader
	opts     Options

	mu    sync.Mutex
	rooms map[string]map[string]*participant
}

func NewRoomServer(logger *zap.Logger, opts Options) *RoomServer {
	if opts.MaxUsers <= 0 {
		opts.MaxUsers = DefaultMaxUsers
	}
	if opts.Translator == nil {
		opts.Translator = TagTranslator
	}

	gin.SetMode(gin.ReleaseMode)
	s := &RoomServer{
		logger: logger.Named("mock-room"),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		opts:  opts,
		rooms: make(map[string]map[string]*participant),
	}
	s.router.Use(gin.Recovery())
	s.router.GET("/api/v2/rooms/:room/users", s.handleUsers)
	s.router.GET("/api/v2/ws/multi-language/:room", s.handleSocket)
	return s
}

func (s *RoomServer) Handler() http.Handler {
	return s.router
}

func (s *RoomServer) handleUsers(c *gin.Context) {
	room := c.Param("room")
	users := s.users(room)
	c.JSON(http.StatusOK, gin.H{"room_id": room, "users": users, "count": len(users)})
}

func (s *RoomServer) users(room string) []gin.H {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]gin.H, 0, len(s.rooms[room]))
	for _, p := range s.rooms[room] {
		users = append(users, gin.H{"user_id": p.id, "language": p.language})
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i]["user_id"].(string) < users[j]["user_id"].(string)
	})
	return users
}

func (s *RoomServer) handleSocket(c *gin.Context) {
	room := c.Param("room")
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return
	}
	if !gjson.ValidBytes(raw) {
		_ = ws.WriteJSON(gin.H{"type": cnst.MsgError, "message": "Invalid init payload"})
		return
	}
	hello := gjson.ParseBytes(raw)
	p := &participant{
		id:       hello.Get("user_id").String(),
		language: hello.Get("language").String(),
		ws:       ws,
	}
	if p.language == "" {
		p.language = "en"
	}

	if err := s.join(room, p); err != nil {
		_ = p.send(gin.H{"type": cnst.MsgError, "message": err.Error()})
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		return
	}
	defer s.leave(room, p)

	s.broadcast(room, gin.H{
		"type":     cnst.MsgUserJoined,
		"user_id":  p.id,
		"language": p.language,
		"message":  fmt.Sprintf("User %s joined the room", p.id),
	}, p.id)
	if err := p.send(gin.H{
		"type":     cnst.MsgConnected,
		"message":  fmt.Sprintf("Connected to room %s as %s", room, p.id),
		"user_id":  p.id,
		"room_id":  room,
		"language": p.language,
	}); err != nil {
		return
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !gjson.ValidBytes(raw) {
			_ = p.send(gin.H{"type": cnst.MsgError, "message": "Invalid message format"})
			continue
		}
		msg := gjson.ParseBytes(raw)
		msgType := msg.Get("type").String()
		if msgType == "" {
			msgType = string(cnst.MsgOutChat)
		}
		switch cnst.MessageType(msgType) {
		case cnst.MsgOutChat:
			s.relayChat(c.Request.Context(), room, p, msg.Get("content").String(), msg.Get("timestamp").Value())
		case cnst.MsgOutTyping:
			s.broadcast(room, gin.H{
				"type":      cnst.MsgTyping,
				"user_id":   p.id,
				"is_typing": msg.Get("is_typing").Bool(),
			}, p.id)
		}
	}
}

var errRoomFull = errors.New("room is full")

func (s *RoomServer) join(room string, p *participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]*participant)
		s.rooms[room] = members
	}
	if _, rejoin := members[p.id]; !rejoin && len(members) >= s.opts.MaxUsers {
		return fmt.Errorf("%w (max %d users)", errRoomFull, s.opts.MaxUsers)
	}
	members[p.id] = p
	return nil
}

func (s *RoomServer) leave(room string, p *participant) {
	s.mu.Lock()
	members := s.rooms[room]
	if members[p.id] != p {
		s.mu.Unlock()
		return
	}
	delete(members, p.id)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	s.mu.Unlock()

	s.broadcast(room, gin.H{
		"type":    cnst.MsgUserLeft,
		"user_id": p.id,
		"message": fmt.Sprintf("User %s left the room", p.id),
	}, "")
}

func (s *RoomServer) members(room string) []*participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*participant, 0, len(s.rooms[room]))
	for _, p := range s.rooms[room] {
		out = append(out, p)
	}
	return out
}

func (s *RoomServer) broadcast(room string, msg gin.H, exclude string) {
	for _, p := range s.members(room) {
		if p.id == exclude {
			continue
		}
		if err := p.send(msg); err != nil {
			s.logger.Debug("broadcast failed", zap.String("user_id", p.id), zap.Error(err))
		}
	}
}

// relayChat sends the original line to the sender and same-language members
// and a translation to everyone else
func (s *RoomServer) relayChat(ctx context.Context, room string, from *participant, content string, timestamp any) {
	original := gin.H{
		"type":        cnst.MsgChat,
		"user_id":     from.id,
		"content":     content,
		"language":    from.language,
		"is_original": true,
		"timestamp":   timestamp,
	}
	for _, p := range s.members(room) {
		if p.id == from.id || p.language == from.language {
			_ = p.send(original)
			continue
		}
		translated, err := s.opts.Translator.Translate(ctx, content, p.language)
		if err != nil {
			s.logger.Warn("translation failed", zap.String("target", p.language), zap.Error(err))
			translated = content
		}
		_ = p.send(gin.H{
			"type":             cnst.MsgChat,
			"user_id":          from.id,
			"content":          translated,
			"original_content": content,
			"language":         p.language,
			"is_original":      false,
			"timestamp":        timestamp,
		})
	}
}

// Start listens on addr in the background
func (s *RoomServer) Start(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	go func() {
		s.logger.Info("Server is running on " + addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("failed to start server", zap.Error(err))
		}
	}()
	return nil
}

func (s *RoomServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown server", zap.Error(err))
		return err
	}
	return nil
}
