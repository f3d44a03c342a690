package backends

import (
	"context"
	"strings"
	"unicode"

	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/stream"
)

// Emotions lists the labels emotion backends emit, the go_emotions set.
var Emotions = []string{
	"admiration", "amusement", "anger", "annoyance", "approval", "caring",
	"confusion", "curiosity", "desire", "disappointment", "disapproval",
	"disgust", "embarrassment", "excitement", "fear", "gratitude", "grief",
	"joy", "love", "nervousness", "optimism", "pride", "realization",
	"relief", "remorse", "sadness", "surprise", "neutral",
}

var lexicon = map[string]string{
	"haha": "amusement", "lol": "amusement", "funny": "amusement",
	"angry": "anger", "furious": "anger", "hate": "anger",
	"annoying": "annoyance", "ugh": "annoyance",
	"sure": "approval", "agreed": "approval",
	"careful": "caring", "hope you're": "caring",
	"confused": "confusion", "huh": "confusion",
	"curious": "curiosity", "wonder": "curiosity", "why": "curiosity",
	"want": "desire", "wish": "desire",
	"disappointed": "disappointment",
	"gross": "disgust", "disgusting": "disgust",
	"embarrassing": "embarrassment", "oops": "embarrassment",
	"wow": "excitement", "awesome": "excitement", "amazing": "excitement",
	"scared": "fear", "afraid": "fear", "terrifying": "fear",
	"thanks": "gratitude", "thank": "gratitude",
	"happy": "joy", "glad": "joy", "yay": "joy",
	"love": "love", "adore": "love",
	"nervous": "nervousness", "anxious": "nervousness",
	"hopefully": "optimism", "can't wait": "optimism",
	"proud": "pride",
	"oh i see": "realization", "i get it": "realization",
	"phew": "relief", "relieved": "relief",
	"sorry": "remorse", "apologize": "remorse",
	"sad": "sadness", "cry": "sadness", "miss": "sadness",
	"what?!": "surprise", "no way": "surprise", "surprised": "surprise",
	"great": "admiration", "impressive": "admiration",
}

// Classify returns the go_emotions label with the most lexicon hits in
// text, or "neutral".
func Classify(text string) string {
	text = strings.ToLower(text)
	counts := make(map[string]int)
	for phrase, label := range lexicon {
		if strings.ContainsFunc(phrase, unicode.IsSpace) || strings.ContainsAny(phrase, "?!'") {
			counts[label] += strings.Count(text, phrase)
		}
	}
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		if label, ok := lexicon[w]; ok {
			counts[label]++
		}
	}
	best, n := "neutral", 0
	for _, label := range Emotions {
		if counts[label] > n {
			best, n = label, counts[label]
		}
	}
	return best
}

// Lexicon is an emotion backend that classifies the whole reply with a
// keyword lexicon.
type Lexicon struct {
	stateless
}

func (*Lexicon) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	text, err := collectText(in)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return out.Emit(stream.Label(Classify(text)))
}
