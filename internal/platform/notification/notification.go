// Package notification renders follow-up messages for manual dispatch. The
// operator copies the text or opens the WhatsApp click-to-chat link; nothing
// is sent from the server.
package notification

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Placeholder keys understood by stage message templates.
const (
	KeyPatientName   = "patient_name"
	KeyFirstName     = "first_name"
	KeyClinicName    = "clinic_name"
	KeyProcedureName = "procedure_name"
	KeyStageTitle    = "stage_title"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// RenderedMessage is a message ready to be sent by hand.
type RenderedMessage struct {
	Text        string   `json:"text"`
	Phone       string   `json:"phone,omitempty"`
	WhatsAppURL string   `json:"whatsapp_url,omitempty"`
	Unresolved  []string `json:"unresolved_placeholders,omitempty"`
}

// Renderer fills {{key}} placeholders and builds click-to-chat links.
type Renderer struct {
	clinicName  string
	countryCode string
}

// NewRenderer returns a renderer. countryCode (digits, e.g. "55") is
// prepended to local phone numbers.
func NewRenderer(clinicName, countryCode string) *Renderer {
	return &Renderer{clinicName: clinicName, countryCode: digitsOnly(countryCode)}
}

// Render replaces {{key}} (whitespace inside the braces is allowed) with
// values from data. Placeholders without a value are left as written and
// returned sorted.
func (r *Renderer) Render(template string, data map[string]string) (string, []string) {
	values := r.withDefaults(data)
	missing := map[string]bool{}

	text := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := values[strings.ToLower(key)]; ok {
			return v
		}
		missing[key] = true
		return m
	})

	var unresolved []string
	for k := range missing {
		unresolved = append(unresolved, k)
	}
	sort.Strings(unresolved)
	return text, unresolved
}

// Compose renders the template and, when a phone number is known, the
// WhatsApp link carrying the text.
func (r *Renderer) Compose(template, phone string, data map[string]string) RenderedMessage {
	text, unresolved := r.Render(template, data)
	msg := RenderedMessage{Text: text, Unresolved: unresolved}
	if p := r.NormalizePhone(phone); p != "" {
		msg.Phone = p
		msg.WhatsAppURL = WhatsAppLink(p, text)
	}
	return msg
}

func (r *Renderer) withDefaults(data map[string]string) map[string]string {
	values := make(map[string]string, len(data)+2)
	for k, v := range data {
		values[strings.ToLower(k)] = v
	}
	if _, ok := values[KeyClinicName]; !ok && r.clinicName != "" {
		values[KeyClinicName] = r.clinicName
	}
	if _, ok := values[KeyFirstName]; !ok {
		if name := strings.Fields(values[KeyPatientName]); len(name) > 0 {
			values[KeyFirstName] = name[0]
		}
	}
	return values
}

// NormalizePhone strips formatting and an international "00" or "+" prefix.
// Numbers of at most 11 digits, ignoring leading zeros, are treated as local
// and get the renderer's country code.
func (r *Renderer) NormalizePhone(phone string) string {
	trimmed := strings.TrimSpace(phone)
	international := strings.HasPrefix(trimmed, "+") || strings.HasPrefix(trimmed, "00")
	digits := digitsOnly(trimmed)
	if strings.HasPrefix(trimmed, "00") {
		digits = strings.TrimPrefix(digits, "00")
	}
	if digits == "" {
		return ""
	}
	if !international && r.countryCode != "" {
		if local := strings.TrimLeft(digits, "0"); len(local) <= 11 {
			digits = r.countryCode + local
		}
	}
	return digits
}

// WhatsAppLink builds a wa.me click-to-chat URL. phone must be digits only.
func WhatsAppLink(phone, text string) string {
	link := "https://wa.me/" + phone
	if text == "" {
		return link
	}
	return link + "?text=" + strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
