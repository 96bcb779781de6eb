package nlp

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"novora/api/internal/store"
)

type Classification struct {
	Sentiment store.Sentiment
	Themes    []string
}

// Classifier maps comment text to a sentiment and a set of themes. An
// error is treated as transient and retried by the pipeline.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string) (Classification, error) {
	return f(ctx, text)
}

// Lexicon is a word-list classifier. A negator ("not", "never", ...)
// flips the polarity of the next sentiment word.
type Lexicon struct {
	positive map[string]bool
	negative map[string]bool
	negators map[string]bool
	themes   map[string]string
}

func NewLexicon() *Lexicon {
	l := &Lexicon{
		positive: set("good", "great", "excellent", "love", "happy", "helpful", "supportive",
			"clear", "fair", "enjoy", "appreciated", "appreciate", "motivated", "awesome",
			"flexible", "productive", "trust", "respect", "proud", "thanks", "amazing", "well"),
		negative: set("bad", "poor", "terrible", "stressed", "stress", "stressful", "burnout",
			"overworked", "unfair", "toxic", "ignored", "unclear", "frustrated", "frustrating",
			"tired", "exhausted", "angry", "worse", "worst", "chaotic", "micromanage",
			"micromanaged", "micromanagement", "underpaid", "hate", "lonely", "disappointed"),
		negators: set("not", "no", "never", "hardly", "barely", "dont", "don't", "isnt", "isn't", "wasnt", "wasn't"),
		themes:   make(map[string]string),
	}
	groups := map[string][]string{
		"workload":      {"workload", "overworked", "hours", "overtime", "deadlines", "burnout", "busy", "capacity"},
		"management":    {"manager", "management", "boss", "leadership", "micromanage", "micromanaged", "micromanagement", "lead"},
		"recognition":   {"recognition", "recognized", "appreciated", "appreciate", "credit", "praise", "thanks"},
		"compensation":  {"pay", "salary", "compensation", "bonus", "underpaid", "raise", "benefits"},
		"growth":        {"growth", "career", "promotion", "learning", "training", "develop", "development"},
		"collaboration": {"team", "teamwork", "collaboration", "colleagues", "together", "support", "supportive"},
		"communication": {"communication", "meetings", "transparency", "informed", "unclear", "clear", "updates"},
		"work_life":     {"balance", "flexible", "remote", "family", "weekend", "stress", "stressed", "stressful"},
		"tools":         {"tools", "laptop", "software", "equipment", "systems", "process", "processes"},
	}
	for theme, words := range groups {
		for _, w := range words {
			l.themes[w] = theme
		}
	}
	return l
}

func (l *Lexicon) Classify(_ context.Context, text string) (Classification, error) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	score := 0
	negate := false
	themes := make(map[string]bool)
	for _, w := range words {
		if theme, ok := l.themes[w]; ok {
			themes[theme] = true
		}
		switch {
		case l.negators[w]:
			negate = true
			continue
		case l.positive[w]:
			if negate {
				score--
			} else {
				score++
			}
		case l.negative[w]:
			if negate {
				score++
			} else {
				score--
			}
		}
		negate = false
	}

	out := Classification{Sentiment: store.SentimentNeutral, Themes: make([]string, 0, len(themes))}
	switch {
	case score > 0:
		out.Sentiment = store.SentimentPositive
	case score < 0:
		out.Sentiment = store.SentimentNegative
	}
	for theme := range themes {
		out.Themes = append(out.Themes, theme)
	}
	sort.Strings(out.Themes)
	return out, nil
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
