package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"beneFitterAPI/internal/challenge"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEvents upgrades to a websocket and forwards every state event of
// one challenge, starting with its current state. Events are dropped for a
// client that stops reading.
func (h *ChallengeHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	c, err := h.challengeService.ChallengeForUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("could not upgrade connection", "error", err)
		return
	}

	send, unsubscribe := follow(h.challengeService.Bus(), c.ID(), func() challenge.Event {
		return challenge.Event{State: c.State(), Challenge: c.Snapshot()}
	})
	defer unsubscribe()

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, send, done)
}

// follow subscribes to the events of challenge id and then queues current(),
// so an event published while the current state is read is not lost.
func follow(bus *challenge.Bus, id string, current func() challenge.Event) (<-chan challenge.Event, func()) {
	send := make(chan challenge.Event, 16)
	forward := func(e challenge.Event) {
		select {
		case send <- e:
		default:
			slog.Warn("event stream lagging, dropping event", "challenge_id", id, "state", e.State)
		}
	}

	unsubscribe := bus.SubscribeAll(func(e challenge.Event) {
		if e.Challenge.ID == id {
			forward(e)
		}
	})
	forward(current())
	return send, unsubscribe
}

// readPump discards client messages; it exists to process pongs and notice
// the close.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, send <-chan challenge.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case e := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
