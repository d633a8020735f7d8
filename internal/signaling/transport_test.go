package signaling

import "testing"

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"plain", "<sip:1001@edge.example.com>;expires=3600", 3600},
		{"followed by parameter", "<sip:1001@edge.example.com>;expires=120;q=0.5", 120},
		{"uppercase", "<sip:1001@edge.example.com>;EXPIRES=60", 60},
		{"with whitespace", "<sip:1001@edge.example.com>;expires=300 ", 300},
		{"absent", "<sip:1001@edge.example.com>", 0},
		{"malformed", "<sip:1001@edge.example.com>;expires=soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseContactExpires(tt.value); got != tt.want {
				t.Errorf("parseContactExpires(%q) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}
