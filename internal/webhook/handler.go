package webhook

import (
	"errors"
	"net/http"
	"strings"

	"whatsapp-flow-engine/internal/config"
	"whatsapp-flow-engine/internal/dispatcher"
	"whatsapp-flow-engine/internal/models"
	"whatsapp-flow-engine/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	Config     *config.Config
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher
}

func NewHandler(cfg *config.Config, s *store.Store, d *dispatcher.Dispatcher) *Handler {
	return &Handler{Config: cfg, Store: s, Dispatcher: d}
}

// VerifyWebhook answers the Cloud API subscription handshake.
func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "" && token != "" {
		if mode == "subscribe" && token == h.Config.VerifyToken {
			log.Info().Msg("webhook verified")
			c.String(http.StatusOK, challenge)
		} else {
			c.Status(http.StatusForbidden)
		}
	} else {
		c.Status(http.StatusBadRequest)
	}
}

// HandleMessage processes inbound notifications. Text messages upsert the
// sender as a contact and fire matching webhook-triggered automations on the
// receiving channel, subject to the single-flight rule.
func (h *Handler) HandleMessage(c *gin.Context) {
	var payload Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		log.Warn().Err(err).Msg("malformed webhook payload")
		c.Status(http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			channelID := change.Value.Metadata.PhoneNumberID
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text == nil {
					continue
				}
				if _, err := h.Store.UpsertContactByWaID(1, msg.From, msg.From); err != nil {
					log.Error().Err(err).Str("wa_id", msg.From).Msg("failed to save contact")
				}
				h.trigger(c, channelID, msg.Text.Body)
			}
		}
	}

	c.Status(http.StatusOK)
}

func (h *Handler) trigger(c *gin.Context, channelID, body string) {
	autos, err := h.Store.ListActiveWebhook(channelID)
	if err != nil {
		log.Error().Err(err).Str("channel", channelID).Msg("failed to list webhook automations")
		return
	}
	for _, a := range autos {
		if a.TriggerKeyword != "" &&
			!strings.Contains(strings.ToLower(body), strings.ToLower(a.TriggerKeyword)) {
			continue
		}
		e, err := h.Dispatcher.ExecuteNow(c.Request.Context(), a.ID, models.TriggerWebhook)
		if err != nil {
			if errors.Is(err, dispatcher.ErrAlreadyRunning) {
				log.Debug().Uint("automation", a.ID).Msg("webhook trigger deferred, execution in flight")
				continue
			}
			log.Error().Err(err).Uint("automation", a.ID).Msg("webhook trigger failed")
			continue
		}
		log.Info().Uint("automation", a.ID).Str("execution", e.ID).Msg("webhook trigger fired")
	}
}
