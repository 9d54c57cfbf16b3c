package langid

import "testing"

func TestDetectLanguageOfPicksEnglish(t *testing.T) {
	d := New([]string{"en", "fr", "de"}, SuggestedWorkingSet)
	got, ok := d.DetectLanguageOf("the thing and the ring are waiting")
	if !ok {
		t.Fatal("expected a detection")
	}
	if got != "en" {
		t.Errorf("got %q, want en", got)
	}
}

func TestDetectLanguageOfTooShort(t *testing.T) {
	d := New([]string{"en"}, nil)
	if _, ok := d.DetectLanguageOf("hi"); ok {
		t.Error("expected no detection for very short text")
	}
}

func TestDetectLanguageOfEmpty(t *testing.T) {
	d := New([]string{"en"}, nil)
	if _, ok := d.DetectLanguageOf(""); ok {
		t.Error("expected no detection for empty text")
	}
}
