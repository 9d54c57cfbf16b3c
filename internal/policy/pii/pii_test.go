package pii

import "testing"

func TestFindDetectsEmail(t *testing.T) {
	r := NewRecognizer(nil)
	matches := r.Find("contact me at jane@example.com please", []Entity{EntityEmail})
	if len(matches) != 1 || matches[0].Value != "jane@example.com" {
		t.Fatalf("matches = %+v", matches)
	}
}

func TestRedactReplacesSpanLength(t *testing.T) {
	r := NewRecognizer(nil)
	text := "email jane@example.com now"
	matches := r.Find(text, []Entity{EntityEmail})
	out := Redact(text, matches)
	if out == text {
		t.Fatal("expected text to change")
	}
	if len(out) != len(text) {
		t.Fatalf("redaction changed length: %q -> %q", text, out)
	}
}

func TestAnonymizeTagsEntity(t *testing.T) {
	r := NewRecognizer(nil)
	text := "email jane@example.com now"
	matches := r.Find(text, []Entity{EntityEmail})
	out := Anonymize(text, matches)
	want := "email <EMAIL_ADDRESS> now"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestTokenizeThenDetokenizeRoundTrips(t *testing.T) {
	r := NewRecognizer(nil)
	text := "email jane@example.com now"
	matches := r.Find(text, []Entity{EntityEmail})
	tm := NewTokenMap()
	tokenized := Tokenize(text, matches, tm)
	if tokenized == text {
		t.Fatal("expected text to change")
	}
	if tm.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tm.Len())
	}
	restored := Detokenize(tokenized, tm)
	if restored != text {
		t.Fatalf("restored = %q, want %q", restored, text)
	}
}

func TestDetokenizeLeavesUnknownTokenAlone(t *testing.T) {
	tm := NewTokenMap()
	in := "see token Δabcdef012345 here"
	out := Detokenize(in, tm)
	if out != in {
		t.Fatalf("got %q, want unchanged %q", out, in)
	}
}

func TestFindTokensStraddlesBoundary(t *testing.T) {
	tm := NewTokenMap()
	tok := tm.NewToken("secret")
	text := "before " + tok + " after"
	found := FindTokens(text)
	if len(found) != 1 || found[0].Value != tok {
		t.Fatalf("found = %+v, want token %q", found, tok)
	}
}

func TestDetokenizedMarkerRoundTrip(t *testing.T) {
	text := "hello"
	if WasDetokenized(text) {
		t.Fatal("fresh text should not carry the marker")
	}
	marked := AppendDetokenizedMarker(text)
	if !WasDetokenized(marked) {
		t.Fatal("expected marker to be detected after appending")
	}
	if AppendDetokenizedMarker(marked) != marked {
		t.Fatal("appending twice should be idempotent")
	}
}
