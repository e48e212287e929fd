package json

import (
	"strings"
	"testing"
)

type sample struct {
	Model     string    `json:"model"`
	Dimension int       `json:"dimension"`
	Scores    []float64 `json:"scores,omitempty"`
}

func TestMarshalUnmarshal(t *testing.T) {
	original := sample{Model: "intfloat/multilingual-e5-large", Dimension: 1024, Scores: []float64{0.9, 0.1}}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"dimension":1024`) {
		t.Errorf("Marshal output missing dimension field: %s", data)
	}

	var decoded sample
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Model != original.Model || decoded.Dimension != original.Dimension {
		t.Errorf("Unmarshal mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{`{"model": "BAAI/bge-reranker-base"}`, true},
		{`[0.1, 0.2, 0.3]`, true},
		{`not json`, false},
		{`{"unclosed": }`, false},
	}

	for _, tt := range tests {
		got := Valid([]byte(tt.input))
		if got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDecoderUseNumber(t *testing.T) {
	input := `{"score": 0.123456789012345678}`
	dec := NewDecoder(strings.NewReader(input))
	dec.UseNumber()

	var result map[string]any
	if err := dec.Decode(&result); err != nil {
		t.Fatalf("Decode with UseNumber failed: %v", err)
	}

	if _, ok := result["score"].(Number); !ok {
		t.Fatalf("expected Number type, got %T", result["score"])
	}
}

func TestEncoder(t *testing.T) {
	var buf strings.Builder
	enc := NewEncoder(&buf)

	if err := enc.Encode(map[string]int{"count": 3}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	result := strings.TrimSpace(buf.String())
	if result != `{"count":3}` {
		t.Errorf("Encode = %s, want %s", result, `{"count":3}`)
	}
}
