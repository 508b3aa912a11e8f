package homee

import (
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultHeartbeatInterval is the ping period of an open socket.
const DefaultHeartbeatInterval = 30 * time.Second

// heartbeat tracks liveness of one socket. It is owned by the event loop:
// the ticker channel is part of the loop's select and nil while stopped.
type heartbeat struct {
	interval time.Duration
	ticker   *time.Ticker
	alive    bool
}

func (h *heartbeat) start() {
	h.stop()
	h.alive = true
	h.ticker = time.NewTicker(h.interval)
	log.Debug().Dur("interval", h.interval).Msg("Heartbeat started")
}

func (h *heartbeat) stop() {
	if h.ticker != nil {
		h.ticker.Stop()
		h.ticker = nil
	}
}

// C returns the tick channel, nil when stopped.
func (h *heartbeat) C() <-chan time.Time {
	if h.ticker == nil {
		return nil
	}
	return h.ticker.C
}

func (h *heartbeat) pong() {
	h.alive = true
}

// tick probes conn. It returns false when the previous ping went unanswered;
// conn has then been terminated and the reader will report the close.
func (h *heartbeat) tick(conn Conn) bool {
	if !h.alive {
		log.Warn().Msg("Did not receive pong, terminating connection")
		h.stop()
		_ = conn.Terminate()
		return false
	}
	h.alive = false
	if err := conn.Ping(); err != nil {
		log.Debug().Err(err).Msg("Ping failed")
	}
	return true
}
