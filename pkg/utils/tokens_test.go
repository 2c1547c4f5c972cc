package utils

import (
	"testing"
)

func TestNewTokenCounter(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		wantError bool
	}{
		{
			name:      "GPT-4o model",
			model:     "gpt-4o",
			wantError: false,
		},
		{
			name:      "GPT-4 model",
			model:     "gpt-4",
			wantError: false,
		},
		{
			name:      "local llama model (uses fallback)",
			model:     "llama3.1",
			wantError: false,
		},
		{
			name:      "embedding model (uses fallback)",
			model:     "mxbai-embed-large",
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter, err := NewTokenCounter(tt.model)
			if (err != nil) != tt.wantError {
				t.Errorf("NewTokenCounter() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if !tt.wantError && counter == nil {
				t.Error("NewTokenCounter() returned nil counter")
			}
			if counter != nil && counter.GetModel() != tt.model {
				t.Errorf("NewTokenCounter() model = %v, want %v", counter.GetModel(), tt.model)
			}
		})
	}
}

func TestTokenCounter_Count(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	tests := []struct {
		name      string
		text      string
		minTokens int
		maxTokens int
	}{
		{
			name:      "Empty string",
			text:      "",
			minTokens: 0,
			maxTokens: 0,
		},
		{
			name:      "Simple sentence",
			text:      "Hello, world!",
			minTokens: 3,
			maxTokens: 5,
		},
		{
			name:      "Longer text",
			text:      "This is a longer sentence with more words to count tokens accurately.",
			minTokens: 12,
			maxTokens: 18,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := counter.Count(tt.text)
			if count < tt.minTokens || count > tt.maxTokens {
				t.Errorf("Count() = %v, want between %v and %v for text: %q",
					count, tt.minTokens, tt.maxTokens, tt.text)
			}
		})
	}
}

func TestTokenCounter_FitWithinLimit(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	messages := []Message{
		{Role: "user", Content: "Message 1"},
		{Role: "assistant", Content: "Response 1"},
		{Role: "user", Content: "Message 2"},
		{Role: "assistant", Content: "Response 2"},
		{Role: "user", Content: "Message 3"},
	}

	tests := []struct {
		name         string
		maxTokens    int
		expectEmpty  bool
		expectAllFit bool
	}{
		{
			name:        "Very low limit",
			maxTokens:   5,
			expectEmpty: true,
		},
		{
			name:      "Moderate limit",
			maxTokens: 50,
		},
		{
			name:         "High limit",
			maxTokens:    1000,
			expectAllFit: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fitted := counter.FitWithinLimit(messages, tt.maxTokens)

			if tt.expectEmpty && len(fitted) > 0 {
				t.Errorf("FitWithinLimit() expected empty result, got %d messages", len(fitted))
			}

			if tt.expectAllFit && len(fitted) != len(messages) {
				t.Errorf("FitWithinLimit() expected all messages to fit, got %d/%d",
					len(fitted), len(messages))
			}

			if len(fitted) > 0 {
				tokenCount := counter.CountMessages(fitted)
				if tokenCount > tt.maxTokens {
					t.Errorf("FitWithinLimit() result has %d tokens, exceeds limit of %d",
						tokenCount, tt.maxTokens)
				}
			}

			// The most recent message must survive any non-empty fit.
			if len(fitted) > 0 && len(fitted) < len(messages) {
				lastOriginal := messages[len(messages)-1]
				lastFitted := fitted[len(fitted)-1]
				if lastOriginal.Content != lastFitted.Content {
					t.Error("FitWithinLimit() should preserve most recent messages")
				}
			}
		})
	}
}

func TestTokenCounter_Caching(t *testing.T) {
	counter1, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create first counter: %v", err)
	}

	counter2, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create second counter: %v", err)
	}

	text := "Test caching"
	count1 := counter1.Count(text)
	count2 := counter2.Count(text)

	if count1 != count2 {
		t.Errorf("Cached counters produced different results: %d vs %d", count1, count2)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{
			name: "Empty string",
			text: "",
			want: 0,
		},
		{
			name: "4 characters",
			text: "test",
			want: 1,
		},
		{
			name: "8 characters",
			text: "testtest",
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.text)
			if got != tt.want {
				t.Errorf("EstimateTokens() = %v, want %v", got, tt.want)
			}
		})
	}
}
