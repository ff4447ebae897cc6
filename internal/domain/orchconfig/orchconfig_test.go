package orchconfig

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts, got %d", doc.MaxAttempts)
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := Default()
	doc.Target = "Write a function add(a,b) in add.py"
	doc.QueueSoftCap = 7
	doc.Retry["executor"] = DelayRange{Min: Duration(2 * time.Second), Max: Duration(9 * time.Second)}

	if err := doc.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(doc, back) {
		t.Fatalf("round trip changed document:\n%+v\n%+v", doc, back)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	doc := Default()
	doc.Confidence["tester"] = Acceptance{
		Threshold: 0.5,
		Weights:   map[string]float64{"tests_passed": 0.9, "coverage": 0.9},
	}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected rejection of weights summing past 1")
	}

	doc.Confidence["tester"] = Acceptance{Threshold: 0.5, Weights: map[string]float64{}}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected rejection of empty weights")
	}

	doc.Confidence["tester"] = Acceptance{
		Threshold: 1.5,
		Weights:   map[string]float64{"tests_passed": 1},
	}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected rejection of threshold outside [0,1]")
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	doc := Default()
	doc.Agents["executor"] = AgentConfig{Provider: "ghost", Model: "m"}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected rejection of unknown provider")
	}
}

func TestAcceptanceScore(t *testing.T) {
	acc := Acceptance{
		Threshold: 0.5,
		Weights:   map[string]float64{"tests_passed": 0.7, "coverage": 0.3},
	}

	if got := acc.Score(map[string]float64{"tests_passed": 1, "coverage": 1}); got != 1 {
		t.Fatalf("expected score 1, got %v", got)
	}
	if acc.Acceptable(map[string]float64{"tests_passed": 0.1, "coverage": 0.1}) {
		t.Fatal("low metrics must not be acceptable")
	}
	if !acc.Acceptable(map[string]float64{"tests_passed": 1.0}) {
		t.Fatal("0.7 weighted score meets a 0.5 threshold")
	}
}

func TestSetItem(t *testing.T) {
	doc := Default()
	if err := doc.SetItem("target", json.RawMessage(`"build a calculator"`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Target != "build a calculator" {
		t.Fatalf("target not updated: %q", doc.Target)
	}

	if err := doc.SetItem("nonsense", json.RawMessage(`1`)); err == nil {
		t.Fatal("expected unknown-key error")
	}
	if err := doc.SetItem("max_attempts", json.RawMessage(`0`)); err == nil {
		t.Fatal("expected validation failure for zero attempts")
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"1500ms"`), &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Std() != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", d.Std())
	}

	data, err := json.Marshal(Duration(2 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"2s"` {
		t.Fatalf("expected \"2s\", got %s", data)
	}

	if err := json.Unmarshal([]byte(`"bogus"`), &d); err == nil {
		t.Fatal("expected parse error")
	}
}
