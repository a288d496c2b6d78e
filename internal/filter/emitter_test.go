package filter

import "testing"

func TestEmptyPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"empty string", "", true},
		{"vosk empty partial", `{"partial" : ""}`, true},
		{"vosk empty final", `{"text" : ""}`, true},
		{"partial with content", `{"partial" : "hello"}`, false},
		{"final with content", `{"text" : "hello world"}`, false},
		{"empty alternatives", `{"alternatives" : [{"text" : ""}, {"text" : ""}]}`, true},
		{"alternatives with content", `{"alternatives" : [{"text" : ""}, {"text" : "hi"}]}`, false},
		{"unparseable delivered as-is", "not json at all", false},
		{"unknown shape delivered as-is", `{"confidence" : 0.93}`, false},
		{"whitespace-only text counts as content", `{"text" : " "}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := emptyPayload(tt.payload); got != tt.want {
				t.Errorf("emptyPayload(%q) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}
