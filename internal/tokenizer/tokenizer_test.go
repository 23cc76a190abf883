package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeywords(t *testing.T) {
	got := Keywords("The quick brown fox jumps over the lazy dog, the FOX!")
	assert.Equal(t, []string{"brown", "dog", "fox", "jump", "lazy", "over", "quick"}, got)
}

func TestKeywordsDropsShortAndStopWords(t *testing.T) {
	assert.Empty(t, Keywords("a I of the to"))
}

func TestTermMatchesKeywords(t *testing.T) {
	term, ok := Term("Jumps")
	assert.True(t, ok)
	assert.Contains(t, Keywords("she jumps high"), term)

	_, ok = Term("the")
	assert.False(t, ok)
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		in     string
		want   Pattern
		wantOK bool
	}{
		{"Dogs", Pattern{Term: "dog"}, true},
		{"runn*", Pattern{Term: "runn", Prefix: true}, true},
		{"*", Pattern{}, false},
		{"two words", Pattern{}, false},
		{"the", Pattern{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParsePattern(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestPatternMatches(t *testing.T) {
	dog, _ := ParsePattern("dog")
	assert.True(t, dog.Matches("Two dogs barking"))
	assert.False(t, dog.Matches("a cat"))

	runn, _ := ParsePattern("runn*")
	assert.True(t, runn.Matches("She was Running late"))
	assert.False(t, runn.Matches("ran"))
}
