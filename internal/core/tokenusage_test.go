package core

import "testing"

func TestTokenUsageValidate(t *testing.T) {
	cases := []struct {
		name    string
		usage   TokenUsage
		wantErr bool
	}{
		{name: "valid", usage: TokenUsage{TaskID: "t1", InputTokens: 100, OutputTokens: 50}},
		{name: "zero tokens valid", usage: TokenUsage{TaskID: "t1"}},
		{name: "negative input", usage: TokenUsage{TaskID: "t1", InputTokens: -1}, wantErr: true},
		{name: "negative output", usage: TokenUsage{TaskID: "t1", OutputTokens: -1}, wantErr: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.usage.Validate()
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestTokenUsageTotalTokens(t *testing.T) {
	u := TokenUsage{InputTokens: 120, OutputTokens: 80}
	if got := u.TotalTokens(); got != 200 {
		t.Fatalf("TotalTokens() = %d, want 200", got)
	}
}
