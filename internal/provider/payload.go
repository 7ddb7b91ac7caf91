package provider

import (
	"sort"
	"strings"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
)

const (
	messagingProduct    = "whatsapp"
	recipientIndividual = "individual"
	messageTypeTemplate = "template"

	DefaultLanguageCode = "id"
)

// TemplatePayload is the Cloud API body for a template message.
type TemplatePayload struct {
	MessagingProduct string         `json:"messaging_product"`
	RecipientType    string         `json:"recipient_type"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Template         TemplateObject `json:"template"`
}

type TemplateObject struct {
	Name       string      `json:"name"`
	Language   Language    `json:"language"`
	Components []Component `json:"components,omitempty"`
}

type Language struct {
	Code string `json:"code"`
}

type Component struct {
	Type       string      `json:"type"`
	Parameters []Parameter `json:"parameters"`
}

type Parameter struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image *Media `json:"image,omitempty"`
}

type Media struct {
	Link string `json:"link"`
}

// PayloadBuilder carries the account-wide parts of a template payload.
type PayloadBuilder struct {
	LanguageCode   string
	HeaderImageURL string
}

func (b PayloadBuilder) Build(phone string, templateName string, params map[string]string) TemplatePayload {
	return BuildTemplatePayload(phone, templateName, b.LanguageCode, OrderTemplateParams(params), b.HeaderImageURL)
}

// BuildTemplatePayload assembles a template message. Body parameters keep the
// order of params; a header image component is added when headerImageURL is set.
func BuildTemplatePayload(phone, templateName, languageCode string, params []string, headerImageURL string) TemplatePayload {
	if strings.TrimSpace(languageCode) == "" {
		languageCode = DefaultLanguageCode
	}

	components := make([]Component, 0, 2)
	if link := strings.TrimSpace(headerImageURL); link != "" {
		components = append(components, Component{
			Type:       "header",
			Parameters: []Parameter{{Type: "image", Image: &Media{Link: link}}},
		})
	}
	if len(params) > 0 {
		body := make([]Parameter, 0, len(params))
		for _, p := range params {
			body = append(body, Parameter{Type: "text", Text: p})
		}
		components = append(components, Component{Type: "body", Parameters: body})
	}

	return TemplatePayload{
		MessagingProduct: messagingProduct,
		RecipientType:    recipientIndividual,
		To:               phone,
		Type:             messageTypeTemplate,
		Template: TemplateObject{
			Name:       templateName,
			Language:   Language{Code: languageCode},
			Components: components,
		},
	}
}

var positionalParams = []string{
	domain.ParamParticipantName,
	domain.ParamEventName,
	domain.ParamEventDate,
	domain.ParamEventTime,
	domain.ParamEventLocation,
}

// OrderTemplateParams returns parameter values in template position order:
// the well-known keys first, then any remaining keys sorted by name.
func OrderTemplateParams(params map[string]string) []string {
	if len(params) == 0 {
		return nil
	}

	ordered := make([]string, 0, len(params))
	seen := make(map[string]struct{}, len(positionalParams))
	for _, key := range positionalParams {
		seen[key] = struct{}{}
		if v, ok := params[key]; ok {
			ordered = append(ordered, v)
		}
	}

	rest := make([]string, 0, len(params))
	for key := range params {
		if _, ok := seen[key]; !ok {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		ordered = append(ordered, params[key])
	}

	return ordered
}
