package templates

import (
	"strings"
	"testing"
)

func TestRenderSubstitutesVars(t *testing.T) {
	r := NewRenderer("Reply STOP to unsubscribe")
	got := r.Render("Hi {{firstName}}, {{discount}} off at {{companyName}}!", map[string]string{
		"firstName":   "Ada",
		"discount":    "20%",
		"companyName": "Glow Labs",
	})
	want := "Hi Ada, 20% off at Glow Labs!\nReply STOP to unsubscribe"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRenderLeavesUnresolvedVerbatim(t *testing.T) {
	r := NewRenderer("")
	got := r.Render("Hi {{firstName}}, your rep is {{agentName}}.", map[string]string{
		"firstName": "Ada",
	})
	if got != "Hi Ada, your rep is {{agentName}}." {
		t.Fatalf("got %q", got)
	}
}

func TestRenderFooterIdempotent(t *testing.T) {
	r := NewRenderer("Reply STOP to unsubscribe")

	got := r.Render("Flash sale today only. Reply STOP to unsubscribe", nil)
	if strings.Count(got, "Reply STOP to unsubscribe") != 1 {
		t.Fatalf("footer duplicated: %q", got)
	}

	// Substring match is case-insensitive.
	got = r.Render("Flash sale. reply stop to unsubscribe anytime", nil)
	if strings.Count(strings.ToLower(got), "stop to unsubscribe") != 1 {
		t.Fatalf("footer duplicated: %q", got)
	}
}

func TestRenderEmptyBodyGetsFooter(t *testing.T) {
	r := NewRenderer("Reply STOP to unsubscribe")
	if got := r.Render("", nil); got != "Reply STOP to unsubscribe" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderSpacedPlaceholders(t *testing.T) {
	r := NewRenderer("")
	got := r.Render("Hello {{ firstName }}", map[string]string{"firstName": "Ada"})
	if got != "Hello Ada" {
		t.Fatalf("got %q", got)
	}
}

func TestContactVarsDropsEmpty(t *testing.T) {
	vars := ContactVars(map[string]string{"firstName": "Ada", "lastName": " ", "price": ""})
	if _, ok := vars["lastName"]; ok {
		t.Fatal("blank values should be omitted")
	}
	if vars["firstName"] != "Ada" {
		t.Fatalf("vars = %v", vars)
	}
}
