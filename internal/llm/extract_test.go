package llm

import (
	"errors"
	"testing"
)

func TestExtractJSONDirect(t *testing.T) {
	data, err := ExtractJSON(`{"isMalicious": false, "confidence": 0.2}`)
	if err != nil {
		t.Fatalf("direct parse failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty JSON")
	}
}

func TestExtractJSONFencedBlock(t *testing.T) {
	raw := "Here is the verdict:\n```json\n{\"isMalicious\": true}\n```\nLet me know if you need more."
	data, err := ExtractJSON(raw)
	if err != nil {
		t.Fatalf("fenced extraction failed: %v", err)
	}
	if string(data) != `{"isMalicious": true}` {
		t.Errorf("unexpected extraction: %s", data)
	}
}

func TestExtractJSONBalancedRecovery(t *testing.T) {
	raw := `Sure! The result is {"a": {"b": "contains } brace"}, "c": [1, 2]} as requested.`
	data, err := ExtractJSON(raw)
	if err != nil {
		t.Fatalf("balanced recovery failed: %v", err)
	}
	if string(data) != `{"a": {"b": "contains } brace"}, "c": [1, 2]}` {
		t.Errorf("unexpected extraction: %s", data)
	}
}

func TestExtractJSONAllLayersFail(t *testing.T) {
	_, err := ExtractJSON("I cannot answer that in JSON form.")
	if err == nil {
		t.Fatal("expected structured-extraction error")
	}
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Kind != KindStructuredExtraction {
		t.Errorf("expected %s, got %v", KindStructuredExtraction, err)
	}
}

func TestExtractJSONInto(t *testing.T) {
	var target struct {
		Confidence float64 `json:"confidence"`
	}
	if err := ExtractJSONInto("```\n{\"confidence\": 0.95}\n```", &target); err != nil {
		t.Fatalf("ExtractJSONInto failed: %v", err)
	}
	if target.Confidence != 0.95 {
		t.Errorf("expected 0.95, got %v", target.Confidence)
	}
}
