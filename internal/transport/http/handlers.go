package http

import (
	"net/http"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ChannelHandlers serves the channel listing and per-channel ICE configuration.
type ChannelHandlers struct {
	Rooms      core.RoomManager
	ICEServers []domain.ICEServer
	blocked    map[domain.Topic]struct{}
}

// NewChannelHandlers takes blocked channels as community:channel strings;
// malformed entries are skipped.
func NewChannelHandlers(rooms core.RoomManager, servers []domain.ICEServer, blocked []string) *ChannelHandlers {
	h := &ChannelHandlers{
		Rooms:      rooms,
		ICEServers: servers,
		blocked:    make(map[domain.Topic]struct{}, len(blocked)),
	}
	for _, raw := range blocked {
		key, err := domain.ParseTopic(raw)
		if err != nil {
			log.Warn().Str("module", "transport.http").Str("channel", raw).Msg("ignoring malformed blocked channel")
			continue
		}
		h.blocked[key.Topic()] = struct{}{}
	}
	return h
}

func (h *ChannelHandlers) Register(r gin.IRouter) {
	r.GET("/channels", h.listChannels)
	r.GET("/channels/:community/:channel/ice", h.iceConfig)
}

func (h *ChannelHandlers) listChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": h.Rooms.List()})
}

func (h *ChannelHandlers) iceConfig(c *gin.Context) {
	key := domain.ChannelKey{Community: c.Param("community"), Channel: c.Param("channel")}
	if _, err := domain.ParseTopic(string(key.Topic())); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel"})
		return
	}
	if _, ok := h.blocked[key.Topic()]; ok {
		log.Info().Str("module", "transport.http").Str("topic", key.String()).Msg("ice requested for blocked channel")
		c.JSON(http.StatusOK, domain.ICEResponse{ICEServers: []domain.ICEServer{}, Blocked: true})
		return
	}
	servers := h.ICEServers
	if servers == nil {
		servers = []domain.ICEServer{}
	}
	c.JSON(http.StatusOK, domain.ICEResponse{ICEServers: servers})
}
