// Package transport exposes the relay server over http using echo, it owns
// the websocket upgrade, the gatekeeper that rejects bad channel paths and the
// static collaborator routes.
package transport

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/theflyingcodr/relay"
	"github.com/theflyingcodr/relay/server"
)

// HealthMessage is returned from the root route.
const HealthMessage = "WebSocket Relay Server is running."

// badRequest is written to the raw socket when an upgrade is rejected, no
// handshake is performed.
var badRequest = []byte("HTTP/1.1 400 Bad Request\r\n\r\n")

//go:embed pages
var pages embed.FS

// Handlers wires a RelayServer to echo.
type Handlers struct {
	svr      *server.RelayServer
	upgrader websocket.Upgrader
	origins  *origins
	rejected prometheus.Counter
}

// NewHandlers will setup handlers for svr, allowedOrigins restricts the
// websocket Origin header, leave it empty to accept any origin.
func NewHandlers(svr *server.RelayServer, allowedOrigins []string) *Handlers {
	h := &Handlers{
		svr:     svr,
		origins: newOrigins(allowedOrigins),
		rejected: promauto.With(svr.Registry()).NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rejected_upgrades_total",
			Help:      "Upgrade requests rejected because the path is not a valid channel",
		}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.check,
	}
	return h
}

// Register adds the gatekeeper and all routes to e.
func (h *Handlers) Register(e *echo.Echo) {
	e.Pre(h.Gatekeeper)

	// this is our websocket endpoint, clients will hit this with the channelID they wish to connect to
	e.GET(relay.ChannelPathPrefix+":channelID", h.ws)

	e.GET("/", h.health)
	e.GET("/client", page("index.html"))
	e.GET("/room", page("room.html"))
	e.GET("/info", h.info)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.svr.Registry(), promhttp.HandlerOpts{})))
}

// Gatekeeper rejects any websocket upgrade whose path is not /ws/<channelID>
// before routing, so no handshake is ever started for it.
func (h *Handlers) Gatekeeper(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		if !websocket.IsWebSocketUpgrade(r) {
			return next(c)
		}
		if _, err := relay.ChannelFromPath(r.URL.EscapedPath()); err != nil {
			return h.reject(c, err)
		}
		return next(c)
	}
}

// reject writes a bare 400 to the underlying socket and closes it.
func (h *Handlers) reject(c echo.Context, reason error) error {
	h.rejected.Inc()
	log.Info().Err(reason).Str("path", c.Request().URL.EscapedPath()).Msg("rejecting connection")
	c.Response().Status = http.StatusBadRequest
	hj, ok := c.Response().Writer.(http.Hijacker)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, reason.Error())
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		log.Debug().Err(err).Msg("hijack failed, falling back to http response")
		return echo.NewHTTPError(http.StatusBadRequest, reason.Error())
	}
	if _, err := conn.Write(badRequest); err != nil {
		log.Debug().Err(err).Msg("failed to write rejection")
	}
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close rejected connection")
	}
	return nil
}

func (h *Handlers) ws(c echo.Context) error {
	channelID, err := relay.ChannelFromPath(c.Request().URL.EscapedPath())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		log.Debug().Err(err).Str("channelID", channelID).Msg("upgrade failed")
		return nil
	}
	defer ws.Close()
	if err := h.svr.Listen(ws, channelID); err != nil {
		log.Error().Err(err).Str("channelID", channelID).Msg("listener failed")
		return nil
	}
	log.Debug().Str("channelID", channelID).Msg("exiting listener")
	return nil
}

func (h *Handlers) health(c echo.Context) error {
	return c.String(http.StatusOK, HealthMessage)
}

func (h *Handlers) info(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svr.Info())
}

func page(name string) echo.HandlerFunc {
	return func(c echo.Context) error {
		bb, err := fs.ReadFile(pages, "pages/"+name)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return c.HTMLBlob(http.StatusOK, bb)
	}
}
