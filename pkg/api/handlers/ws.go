package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"chatrelay/pkg/delivery"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/serrors"
	"chatrelay/pkg/telemetry"
	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin checks already ran in the gateway middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientCommand is what clients send over the socket: subscribe and
// unsubscribe requests carrying the conversation address and, for
// subscribe, the client's watermark (seq of the last applied message).
type clientCommand struct {
	Action       string              `json:"action"`
	Conversation models.Conversation `json:"conversation"`
	Watermark    uint64              `json:"watermark"`
}

// RegisterWS registers the push transport endpoint.
func RegisterWS(r *mux.Router) {
	r.HandleFunc("/ws", serveWS).Methods(http.MethodGet)
}

// serveWS upgrades to a websocket session. The session starts with no
// subscriptions; clients subscribe per conversation and receive the
// backlog past their watermark before live frames.
func serveWS(w http.ResponseWriter, r *http.Request) {
	user, status, msg := requestUser(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "user", user, "error", err)
		return
	}

	conn := delivery.NewConnection(user, ws)
	sess := deps.Coord.Attach(conn)
	telemetry.WSConnections.Inc()
	defer func() {
		deps.Coord.Detach(sess)
		conn.Close(websocket.CloseNormalClosure, "")
		telemetry.WSConnections.Dec()
	}()

	ws.SetReadLimit(64 << 10)
	_ = ws.SetReadDeadline(time.Now().Add(delivery.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(delivery.PongWait))
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("ws_read_failed", "user", user, "error", err)
			}
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			deps.Coord.SendError(sess, nil, err)
			continue
		}
		switch cmd.Action {
		case "subscribe":
			if err := deps.Coord.Subscribe(sess, cmd.Conversation, cmd.Watermark); err != nil {
				deps.Coord.SendError(sess, &cmd.Conversation, err)
			}
		case "unsubscribe":
			deps.Coord.Unsubscribe(sess, cmd.Conversation)
		default:
			deps.Coord.SendError(sess, nil, serrors.InvalidArgumentf("unknown action %q", cmd.Action))
		}
	}
}
