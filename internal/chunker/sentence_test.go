package chunker

import "testing"

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected []string
	}{
		{
			name:     "simple sentences",
			text:     "The cat sat. The dog barked. The bird flew away.",
			expected: []string{"The cat sat.", "The dog barked.", "The bird flew away."},
		},
		{
			name:     "question and exclamation",
			text:     "Who goes there? Halt! State your name.",
			expected: []string{"Who goes there?", "Halt!", "State your name."},
		},
		{
			name:     "decimal number is not a boundary",
			text:     "Pi is roughly 3.14 in value. Everyone knows that.",
			expected: []string{"Pi is roughly 3.14 in value.", "Everyone knows that."},
		},
		{
			name:     "closing quote stays attached",
			text:     `"Stop." He did not stop.`,
			expected: []string{`"Stop."`, "He did not stop."},
		},
		{
			name:     "no terminator yields one sentence",
			text:     "a fragment without an ending",
			expected: []string{"a fragment without an ending"},
		},
		{
			name:     "empty input",
			text:     "",
			expected: nil,
		},
		{
			name:     "whitespace only",
			text:     "   \n\t ",
			expected: nil,
		},
		{
			name:     "run of terminators",
			text:     "What?! Really... Yes.",
			expected: []string{"What?!", "Really...", "Yes."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitSentences(tt.text)
			if len(got) != len(tt.expected) {
				t.Fatalf("got %d sentences, want %d: %#v", len(got), len(tt.expected), got)
			}
			for i, s := range got {
				if s.Text != tt.expected[i] {
					t.Errorf("sentence %d = %q, want %q", i, s.Text, tt.expected[i])
				}
			}
		})
	}
}

func TestSplitSentencesOffsets(t *testing.T) {
	text := "First one. Second one."
	sentences := SplitSentences(text)
	if len(sentences) != 2 {
		t.Fatalf("expected 2 sentences, got %d", len(sentences))
	}
	runes := []rune(text)
	for i, s := range sentences {
		got := string(runes[s.Start:s.End])
		if got != s.Text {
			t.Errorf("sentence %d offsets [%d:%d] yield %q, want %q", i, s.Start, s.End, got, s.Text)
		}
	}
}

func TestSplitSentencesDeterministic(t *testing.T) {
	text := "One. Two! Three? Four."
	first := SplitSentences(text)
	for i := 0; i < 10; i++ {
		again := SplitSentences(text)
		if len(again) != len(first) {
			t.Fatalf("run %d produced %d sentences, want %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j] != first[j] {
				t.Fatalf("run %d sentence %d = %+v, want %+v", i, j, again[j], first[j])
			}
		}
	}
}
