package structure

import "testing"

func TestParseResponseFenced(t *testing.T) {
	resp := "Here is the structure:\n```json\n{\"src\": {\"main.py\": null}, \"README.md\": null}\n```\nDone."
	tr, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.Contains("src/main.py") {
		t.Fatalf("expected src/main.py, got %v", tr.Files())
	}
}

func TestParseResponseBareJSON(t *testing.T) {
	tr, err := ParseResponse(`{"add.py": null}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.Contains("add.py") {
		t.Fatalf("expected add.py, got %v", tr.Files())
	}
}

func TestParseResponseFenceWithoutLanguage(t *testing.T) {
	tr, err := ParseResponse("```\n{\"a.py\": null}\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.Contains("a.py") {
		t.Fatalf("expected a.py, got %v", tr.Files())
	}
}

func TestParseResponseGarbage(t *testing.T) {
	if _, err := ParseResponse("I cannot help with that."); err == nil {
		t.Fatal("expected error for non-JSON response")
	}
}

func TestParseResponseMalformedJSON(t *testing.T) {
	if _, err := ParseResponse("```json\n{\"a\": \n```"); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
