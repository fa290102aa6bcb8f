package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"whatsapp-flow-engine/internal/config"
	"whatsapp-flow-engine/internal/store"
	"whatsapp-flow-engine/internal/transport"

	"gorm.io/gorm"
)

// Client talks to the WhatsApp Cloud API. It implements transport.Sender for
// per-recipient delivery and transport.Renderer for template-based flow
// content.
type Client struct {
	cfg   *config.Config
	store *store.Store
	http  *http.Client
}

func NewClient(cfg *config.Config, s *store.Store) *Client {
	return &Client{
		cfg:   cfg,
		store: s,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Message structures (Cloud API wire format) ---

type GenericMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	RecipientType    string       `json:"recipient_type,omitempty"`
	Template         *TemplateObj `json:"template,omitempty"`
}

type TemplateObj struct {
	Name       string         `json:"name"`
	Language   LanguageObj    `json:"language"`
	Components []ComponentObj `json:"components,omitempty"`
}

type LanguageObj struct {
	Code string `json:"code"`
}

type ComponentObj struct {
	Type       string         `json:"type"`
	Parameters []ParameterObj `json:"parameters"`
}

type ParameterObj struct {
	Type          string `json:"type"`
	ParameterName string `json:"parameter_name,omitempty"`
	Text          string `json:"text,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Render builds a template message for the flow's template id with named
// body parameters taken from the variable mapping. A missing template is a
// permanent flow_unavailable error.
func (c *Client) Render(ctx context.Context, flowID string, vars map[string]string) (transport.Payload, error) {
	tmpl, err := c.store.GetTemplate(flowID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, transport.Permanentf("flow_unavailable", "template %s not found", flowID)
		}
		return nil, transport.Transientf("template_lookup", "template %s: %v", flowID, err)
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]ParameterObj, 0, len(names))
	for _, name := range names {
		params = append(params, ParameterObj{Type: "text", ParameterName: name, Text: vars[name]})
	}

	lang := tmpl.Language
	if lang == "" {
		lang = "en"
	}
	msg := GenericMessage{
		MessagingProduct: "whatsapp",
		Type:             "template",
		RecipientType:    "individual",
		Template: &TemplateObj{
			Name:     tmpl.Name,
			Language: LanguageObj{Code: lang},
		},
	}
	if len(params) > 0 {
		msg.Template.Components = []ComponentObj{{Type: "body", Parameters: params}}
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return nil, transport.Permanentf("render", "marshal template message: %v", err)
	}
	return transport.Payload(b), nil
}

// Send submits a rendered payload to one recipient on the channel's phone
// number. HTTP 429 and 5xx responses and network failures classify as
// transient; other 4xx responses are permanent.
func (c *Client) Send(ctx context.Context, channelID, waID string, payload transport.Payload) (transport.Result, error) {
	var msg map[string]interface{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return transport.Result{}, transport.Permanentf("render", "invalid payload: %v", err)
	}
	msg["to"] = waID
	body, _ := json.Marshal(msg)

	url := fmt.Sprintf("%s/%s/messages", c.cfg.GraphAPIBase, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return transport.Result{}, transport.Permanentf("request", "build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.WhatsAppToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transport.Result{}, transport.Transientf("network", "send to %s: %v", waID, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var parsed sendResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res := transport.Result{}
		if len(parsed.Messages) > 0 {
			res.MessageID = parsed.Messages[0].ID
		}
		return res, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return transport.Result{}, transport.Transientf("rate_limited", "rate limited sending to %s", waID)
	case resp.StatusCode >= 500:
		return transport.Result{}, transport.Transientf("upstream", "cloud api %d: %s", resp.StatusCode, detail(parsed, raw))
	default:
		return transport.Result{}, transport.Permanentf("rejected", "cloud api %d: %s", resp.StatusCode, detail(parsed, raw))
	}
}

func detail(parsed sendResponse, raw []byte) string {
	if parsed.Error != nil {
		return parsed.Error.Message
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
