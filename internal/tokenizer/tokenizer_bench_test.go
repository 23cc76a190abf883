package tokenizer

import (
	"strings"
	"testing"
)

var sampleTexts = map[string]string{
	"short": "The quick brown fox jumps over the lazy dog",
	"medium": `Secondary indexes project every property of an entity into the
        collections and connections it belongs to. Each projection is a sorted
        wide row, so equality and range predicates become contiguous scans and
        results page with a cursor instead of an offset.`,
	"long": strings.Repeat(`Full text properties are split into keywords, lowercased and
        stemmed before they are written to a companion index. A contains query
        stems its term the same way, so foxes finds fox and running finds run.
        Stop words and very short words never reach the index. `, 20),
}

func BenchmarkKeywords(b *testing.B) {
	for name, text := range sampleTexts {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for i := 0; i < b.N; i++ {
				_ = Keywords(text)
			}
		})
	}
}

func BenchmarkParsePattern(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = ParsePattern("distrib*")
	}
}
