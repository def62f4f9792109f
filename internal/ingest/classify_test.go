package ingest

import "testing"

func TestClassifyDomain(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		sample   string
		expected string
	}{
		{
			name:     "science text",
			title:    "The Selfish Gene",
			sample:   "Evolution acts on the gene. Each cell carries the species history.",
			expected: DomainScience,
		},
		{
			name:     "history text",
			title:    "Decline of an Empire",
			sample:   "The empire endured for a century until the revolution swept the ancient order away.",
			expected: DomainHistory,
		},
		{
			name:     "technology text",
			title:    "Clean Architecture",
			sample:   "Software engineering is about managing data flow through a system of components.",
			expected: DomainTechnology,
		},
		{
			name:     "no signal",
			title:    "Untitled",
			sample:   "Words without any particular subject at all.",
			expected: DomainUnknown,
		},
		{
			name:     "empty input",
			title:    "",
			sample:   "",
			expected: DomainUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyDomain(tt.title, tt.sample)
			if got != tt.expected {
				t.Errorf("ClassifyDomain() = %q, want %q", got, tt.expected)
			}
		})
	}
}
