package backend

import "strings"

const (
	// textDeltaMax bounds one text_delta payload; splits land on word
	// boundaries.
	textDeltaMax = 80
	// ttsChunkMax bounds one synthesis request; splits land on sentence
	// boundaries where possible.
	ttsChunkMax = 180
)

// splitTextDeltas slices text into word-bounded pieces of at most max bytes.
// A single word longer than max is hard-split.
func splitTextDeltas(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if max <= 0 {
		max = textDeltaMax
	}

	var out []string
	var cur strings.Builder
	for _, word := range strings.Fields(text) {
		for len(word) > max {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			out = append(out, word[:max])
			word = word[max:]
		}
		need := len(word)
		if cur.Len() > 0 {
			need++
		}
		if cur.Len()+need > max {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// splitSentences groups text into chunks of at most max bytes, preferring to
// cut after sentence enders so synthesized prosody stays natural.
func splitSentences(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if max <= 0 {
		max = ttsChunkMax
	}

	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			// Consume trailing enders and closing quotes.
			end := i + 1
			for end < len(text) && (text[end] == '.' || text[end] == '!' || text[end] == '?' || text[end] == '"' || text[end] == '\'') {
				end++
			}
			if s := strings.TrimSpace(text[start:end]); s != "" {
				sentences = append(sentences, s)
			}
			start = end
			i = end - 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}

	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, s := range sentences {
		// Oversized sentences fall back to word-bounded splitting.
		if len(s) > max {
			flush()
			out = append(out, splitTextDeltas(s, max)...)
			continue
		}
		need := len(s)
		if cur.Len() > 0 {
			need++
		}
		if cur.Len()+need > max {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
	}
	flush()
	return out
}
