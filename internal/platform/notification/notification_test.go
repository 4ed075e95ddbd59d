package notification

import (
	"net/url"
	"testing"
)

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer("Clinica Bella", "55")
	text, unresolved := r.Render(
		"Hi {{first_name}}! How are you after your {{ procedure_name }}? - {{clinic_name}}",
		map[string]string{KeyPatientName: "Ana Souza", KeyProcedureName: "Botox"},
	)

	want := "Hi Ana! How are you after your Botox? - Clinica Bella"
	if text != want {
		t.Errorf("expected %q, got %q", want, text)
	}
	if len(unresolved) != 0 {
		t.Errorf("expected no unresolved placeholders, got %v", unresolved)
	}
}

func TestRenderer_RenderLeavesUnknownPlaceholders(t *testing.T) {
	r := NewRenderer("", "")
	text, unresolved := r.Render("{{patient_name}} {{appointment}} {{zzz}} {{appointment}}", map[string]string{})

	if text != "{{patient_name}} {{appointment}} {{zzz}} {{appointment}}" {
		t.Errorf("unexpected text %q", text)
	}
	if len(unresolved) != 3 || unresolved[0] != "appointment" || unresolved[1] != "patient_name" || unresolved[2] != "zzz" {
		t.Errorf("unexpected unresolved %v", unresolved)
	}
}

func TestRenderer_ExplicitValuesWin(t *testing.T) {
	r := NewRenderer("Default Clinic", "")
	text, _ := r.Render("{{clinic_name}}/{{first_name}}", map[string]string{
		KeyClinicName:  "Branch 2",
		KeyFirstName:   "Bia",
		KeyPatientName: "Beatriz Lima",
	})
	if text != "Branch 2/Bia" {
		t.Errorf("unexpected text %q", text)
	}
}

func TestRenderer_NormalizePhone(t *testing.T) {
	r := NewRenderer("", "55")
	tests := []struct{ in, want string }{
		{"(11) 98765-4321", "5511987654321"},
		{"+55 11 98765-4321", "5511987654321"},
		{"0055 11 98765 4321", "5511987654321"},
		{"011 98765-4321", "5511987654321"},
		{"", ""},
		{"n/a", ""},
	}
	for _, tt := range tests {
		if got := r.NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := NewRenderer("", "").NormalizePhone("(11) 98765-4321"); got != "11987654321" {
		t.Errorf("expected digits without country code, got %q", got)
	}
}

func TestWhatsAppLink(t *testing.T) {
	link := WhatsAppLink("5511987654321", "Olá Ana & co + more")
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if u.Host != "wa.me" || u.Path != "/5511987654321" {
		t.Errorf("unexpected link %q", link)
	}
	if got := u.Query().Get("text"); got != "Olá Ana & co + more" {
		t.Errorf("text did not survive encoding: %q", got)
	}

	if WhatsAppLink("55", "") != "https://wa.me/55" {
		t.Errorf("unexpected link without text: %q", WhatsAppLink("55", ""))
	}
}

func TestRenderer_Compose(t *testing.T) {
	r := NewRenderer("Clinica", "55")
	msg := r.Compose("Oi {{first_name}}", "11 98765-4321", map[string]string{KeyPatientName: "Ana"})

	if msg.Text != "Oi Ana" || msg.Phone != "5511987654321" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.WhatsAppURL != "https://wa.me/5511987654321?text=Oi%20Ana" {
		t.Errorf("unexpected link %q", msg.WhatsAppURL)
	}

	noPhone := r.Compose("Oi", "", nil)
	if noPhone.WhatsAppURL != "" || noPhone.Phone != "" {
		t.Errorf("expected no link without phone, got %+v", noPhone)
	}
}
