package newsfeed

import "strings"

// Keyword weights for headlines that matter to a miner or an inference
// operator. Positive means better margins for the fleet.
var favourable = map[string]float64{
	"rally": 0.6, "surge": 0.7, "all-time high": 0.7, "record high": 0.7,
	"bullish": 0.7, "hashprice up": 0.6, "demand for ai": 0.5, "gpu shortage": 0.4,
	"cheaper power": 0.6, "power prices fall": 0.6, "surplus": 0.4, "rebound": 0.5,
	"inflows": 0.4, "adoption": 0.3,
}

var unfavourable = map[string]float64{
	"crash": 0.8, "plunge": 0.7, "slump": 0.6, "bearish": 0.7, "selloff": 0.7,
	"heatwave": 0.5, "grid emergency": 0.7, "curtailment": 0.5, "price spike": 0.6,
	"difficulty rises": 0.5, "difficulty adjustment": 0.3, "ban": 0.6,
	"outflows": 0.4, "halving": 0.4,
}

// Tone scores text from -1 (bad for margins) to +1 (good for margins).
// Text with no matching keyword scores 0.
func Tone(text string) float64 {
	lower := strings.ToLower(text)
	var up, down float64
	for word, w := range favourable {
		if strings.Contains(lower, word) {
			up += w
		}
	}
	for word, w := range unfavourable {
		if strings.Contains(lower, word) {
			down += w
		}
	}
	if up+down == 0 {
		return 0
	}
	return (up - down) / (up + down)
}
