package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"drawings-core/handlers/auth"
	"drawings-core/handlers/commands"
	"drawings-core/telemetry"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

const roomPrefix = "source:"

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

var errUnauthorized = errors.New("unauthorized")

// Hub serves the socket.io endpoint. Clients join one room per source they
// display and are told when that source's drawings change.
type Hub struct {
	srv        *socketio.Server
	handler    http.Handler
	dispatcher *commands.Dispatcher
	secret     []byte
	log        logrus.FieldLogger

	mu     sync.RWMutex
	active map[string]int
}

func sourceRoom(sourceID string) socketio.Room {
	return socketio.Room(roomPrefix + sourceID)
}

func sourceOf(room socketio.Room) (string, bool) {
	return strings.CutPrefix(string(room), roomPrefix)
}

// NewHub builds the socket.io server and registers itself as the
// dispatcher's change notifier. With a non-empty secret every socket must
// present a token, in the handshake auth payload or as a bearer header.
func NewHub(dispatcher *commands.Dispatcher, origins []string, secret []byte, log logrus.FieldLogger) *Hub {
	h := &Hub{
		dispatcher: dispatcher,
		secret:     secret,
		log:        telemetry.OrDiscard(log),
		active:     make(map[string]int),
	}

	allowed := make([]any, 0, len(origins)+1)
	for _, origin := range origins {
		allowed = append(allowed, origin)
	}
	allowed = append(allowed, localhostOrigin)

	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      allowed,
		Credentials: true,
	})
	h.srv = socketio.NewServer(nil, opts)
	h.handler = h.srv.ServeHandler(nil)

	if len(secret) > 0 {
		h.srv.Use(func(socket *socketio.Socket, next func(*socketio.ExtendedError)) {
			claims, err := h.authenticate(socket.Handshake())
			if err != nil {
				h.log.WithField("socket_id", socket.Id()).WithError(err).Warn("Rejected socket")
				next(socketio.NewExtendedError(errUnauthorized.Error(), map[string]any{"error": err.Error()}))
				return
			}
			socket.SetData(claims)
			next(nil)
		})
	}

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	h.srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		h.attach(socket)
	})

	dispatcher.SetNotifier(h)
	return h
}

// Handler serves the engine.io transports below /socket.io/.
func (h *Hub) Handler() http.Handler {
	return h.handler
}

func (h *Hub) Close() {
	h.srv.Close(nil)
}

// GetActiveSources reports how many clients watch each source.
func (h *Hub) GetActiveSources() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sources := make(map[string]int, len(h.active))
	for k, v := range h.active {
		sources[k] = v
	}
	return sources
}

func (h *Hub) setWatchers(sourceID string, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if count <= 0 {
		delete(h.active, sourceID)
		return
	}
	h.active[sourceID] = count
}

// DrawingsChanged tells every client in the source's room to reload.
func (h *Hub) DrawingsChanged(sourceID, reason string) {
	err := h.srv.To(sourceRoom(sourceID)).Emit("drawings-changed", map[string]any{
		"source_id": sourceID,
		"reason":    reason,
	})
	if err != nil {
		h.log.WithField("source_id", sourceID).WithError(err).Warn("Failed to emit drawings-changed")
	}
}

func (h *Hub) attach(socket *socketio.Socket) {
	me := socket.Id()
	log := h.log.WithField("socket_id", me)
	log.Debug("Socket connected")

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("join-source", func(datas ...any) {
		ack, args := extractAck(datas)
		sourceID, err := sourceArg(args)
		if err != nil {
			respond(socket, ack, "join-source-ack", errorPayload(err))
			return
		}

		room := sourceRoom(sourceID)
		socket.Join(room)
		log.WithField("source_id", sourceID).Debug("Socket joined source")

		h.srv.In(room).FetchSockets()(func(users []*socketio.RemoteSocket, fetchErr error) {
			if fetchErr != nil {
				respond(socket, ack, "join-source-ack", errorPayload(fetchErr))
				return
			}
			h.setWatchers(sourceID, len(users))
			respond(socket, ack, "join-source-ack", map[string]any{
				"status":     "ok",
				"user_count": len(users),
			})
		})
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("leave-source", func(datas ...any) {
		ack, args := extractAck(datas)
		sourceID, err := sourceArg(args)
		if err != nil {
			respond(socket, ack, "leave-source-ack", errorPayload(err))
			return
		}

		room := sourceRoom(sourceID)
		socket.Leave(room)
		h.srv.In(room).FetchSockets()(func(users []*socketio.RemoteSocket, _ error) {
			h.setWatchers(sourceID, len(users))
		})
		respond(socket, ack, "leave-source-ack", map[string]any{"status": "ok"})
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("invoke", func(datas ...any) {
		ack, args := extractAck(datas)
		claims, _ := socket.Data().(*auth.Claims)
		respond(socket, ack, "", h.invoke(claims, args))
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("disconnecting", func(datas ...any) {
		for _, room := range socket.Rooms().Keys() {
			sourceID, ok := sourceOf(room)
			if !ok {
				continue
			}
			h.srv.In(room).FetchSockets()(func(users []*socketio.RemoteSocket, _ error) {
				others := 0
				for _, user := range users {
					if user.Id() != me {
						others++
					}
				}
				h.setWatchers(sourceID, others)
			})
		}
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("disconnect", func(datas ...any) {
		log.Debug("Socket disconnected")
		socket.RemoveAllListeners("")
	})
}

// authenticate checks the token a socket connects with. Without a secret
// every socket is accepted and no claims are returned.
func (h *Hub) authenticate(handshake *socketio.Handshake) (*auth.Claims, error) {
	if len(h.secret) == 0 {
		return nil, nil
	}
	token := handshakeToken(handshake)
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", errUnauthorized)
	}
	claims, err := auth.ParseToken(h.secret, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	return claims, nil
}

func handshakeToken(handshake *socketio.Handshake) string {
	if handshake == nil {
		return ""
	}
	if payload, ok := handshake.Auth.(map[string]any); ok {
		if token, ok := payload["token"].(string); ok && token != "" {
			return token
		}
	}
	for name, values := range handshake.Headers {
		if !strings.EqualFold(name, "Authorization") {
			continue
		}
		for _, value := range values {
			if token, ok := strings.CutPrefix(value, "Bearer "); ok && token != "" {
				return token
			}
		}
	}
	return ""
}

// invoke runs a command sent as ("invoke", command, args) and builds the
// acknowledgement payload. claims are the ones the socket connected with.
func (h *Hub) invoke(claims *auth.Claims, args []any) map[string]any {
	if len(h.secret) > 0 && claims == nil {
		return errorPayload(errUnauthorized)
	}
	if len(args) == 0 {
		return errorPayload(fmt.Errorf("command name is required"))
	}
	command, ok := args[0].(string)
	if !ok || command == "" {
		return errorPayload(fmt.Errorf("invalid command name"))
	}

	var raw json.RawMessage
	if len(args) > 1 && args[1] != nil {
		encoded, err := json.Marshal(args[1])
		if err != nil {
			return errorPayload(fmt.Errorf("invalid arguments: %w", err))
		}
		raw = encoded
	}

	result, err := h.dispatcher.Invoke(context.Background(), command, raw)
	if err != nil {
		return errorPayload(err)
	}
	return map[string]any{
		"status": "ok",
		"result": result,
	}
}

func sourceArg(args []any) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("source id is required")
	}
	sourceID, ok := args[0].(string)
	if !ok || sourceID == "" {
		return "", fmt.Errorf("invalid source id")
	}
	return sourceID, nil
}
