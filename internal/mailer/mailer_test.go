package mailer

import "testing"

func TestRenderSubstitutesContext(t *testing.T) {
	out, err := Render("Alert {{.name}} exceeded budget ${{.budget}}", map[string]string{
		"name":   "daily-spend",
		"budget": "50.000",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out != "Alert daily-spend exceeded budget $50.000" {
		t.Errorf("got %q", out)
	}
}

func TestRenderRejectsMalformedTemplate(t *testing.T) {
	if _, err := Render("{{.unterminated", nil); err == nil {
		t.Fatal("expected parse error")
	}
}
