// Package tokencount estimates token usage for stored transcripts.
//
// The encoder is loaded lazily because tiktoken may need to fetch encoding
// data; when it is unavailable the package falls back to the usual
// four-characters-per-token heuristic.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// HeuristicRatio is the fallback characters-per-token estimate.
const HeuristicRatio = 4

var (
	once    sync.Once
	encoder *tiktoken.Tiktoken
)

func getEncoder() *tiktoken.Tiktoken {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Debug().Err(err).Msg("tiktoken unavailable, using heuristic token counts")
			return
		}
		encoder = enc
	})
	return encoder
}

// Estimate returns the approximate token count of text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	if enc := getEncoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + HeuristicRatio - 1) / HeuristicRatio
}

// EstimateAll sums Estimate over texts.
func EstimateAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}
