// Package ranking berechnet den Dale-Chall-Lesbarkeits-Score eines Abstracts.
// Die Funktion ist rein: keine Seiteneffekte, kein I/O, deterministisch.
package ranking

import (
	_ "embed"
	"math"
	"regexp"
	"strings"

	"pubmed-newsroom/models"
)

//go:embed data/dale_chall_easy_words.txt
var easyWordsRaw string

var (
	wordRegex     = regexp.MustCompile(`[A-Za-z]+(?:'[A-Za-z]+)?`)
	sentenceRegex = regexp.MustCompile(`[.!?]+`)

	// Flexionsendungen, die vor dem Abgleich mit der Wortliste entfernt werden.
	suffixes = []string{"'s", "s", "es", "ed", "ing", "ly"}

	easyWords = loadEasyWords()
)

func loadEasyWords() map[string]struct{} {
	words := make(map[string]struct{})
	for _, line := range strings.Split(easyWordsRaw, "\n") {
		word := strings.ToLower(strings.TrimSpace(line))
		if word != "" {
			words[word] = struct{}{}
		}
	}
	return words
}

func tokenizeWords(text string) []string {
	matches := wordRegex.FindAllString(text, -1)
	words := make([]string, 0, len(matches))
	for _, match := range matches {
		words = append(words, strings.ToLower(match))
	}
	return words
}

func countSentences(text string) int {
	count := 0
	for _, part := range sentenceRegex.Split(text, -1) {
		if strings.TrimSpace(part) != "" {
			count++
		}
	}
	if count > 0 {
		return count
	}
	if wordRegex.MatchString(text) {
		return 1
	}
	return 0
}

func isEasyWord(word string) bool {
	if len(easyWords) == 0 {
		return true
	}
	if _, ok := easyWords[word]; ok {
		return true
	}
	for _, suffix := range suffixes {
		if strings.HasSuffix(word, suffix) && len(word) > len(suffix)+1 {
			root := word[:len(word)-len(suffix)]
			if _, ok := easyWords[root]; ok {
				return true
			}
		}
	}
	return false
}

// Score berechnet den Dale-Chall-Score für den Text. Je höher der Wert, desto
// schwerer der Text. Für Texte ohne Wörter gibt es keinen Score (ok == false);
// degenerierte Texte (einzelnes Wort, keine Satzzeichen) liefern trotzdem
// einen definierten Wert.
func Score(text string) (float64, bool) {
	words := tokenizeWords(text)
	if len(words) == 0 {
		return 0, false
	}
	sentences := countSentences(text)
	if sentences <= 0 {
		sentences = 1
	}

	difficult := 0
	for _, word := range words {
		if !isEasyWord(word) {
			difficult++
		}
	}
	difficultPct := float64(difficult) / float64(len(words)) * 100.0

	score := 0.1579*difficultPct + 0.0496*(float64(len(words))/float64(sentences))
	if difficultPct > 5.0 {
		score += 3.6365
	}
	return math.Round(score*1000) / 1000, true
}

// ScoreRecords berechnet Scores für alle Records mit PMID und bewertbarem
// Abstract. Records ohne Score fehlen einfach in der Map.
func ScoreRecords(records []*models.Record) map[string]float64 {
	scores := make(map[string]float64, len(records))
	for _, record := range records {
		if record == nil || record.PMID == "" {
			continue
		}
		if score, ok := Score(record.Abstract); ok {
			scores[record.PMID] = score
		}
	}
	return scores
}
