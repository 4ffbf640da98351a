package tokenizer

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Vocab is a greedy longest-match tokenizer over a fixed vocabulary. Token
// ids are indices into the token table. Encoding walks the text taking the
// longest vocabulary entry at each position; single-byte entries act as the
// fallback, so any text whose bytes are all present round-trips exactly.
type Vocab struct {
	tokens []string
	index  map[string]int
	maxLen int
	bos    int
	eos    int
}

// VocabSpec is the serialized form embedded in a model spec file.
type VocabSpec struct {
	Tokens []string `json:"tokens"`
	BOS    int      `json:"bos_token_id"`
	EOS    int      `json:"eos_token_id"`
}

// NewVocab builds a tokenizer from an id-ordered token table. bos or eos may
// be -1 when the model defines no such marker.
func NewVocab(tokens []string, bos, eos int) (*Vocab, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocabulary")
	}
	if bos >= len(tokens) || eos >= len(tokens) {
		return nil, fmt.Errorf("tokenizer: special token id out of range (bos=%d eos=%d vocab=%d)", bos, eos, len(tokens))
	}
	v := &Vocab{
		tokens: tokens,
		index:  make(map[string]int, len(tokens)),
		bos:    bos,
		eos:    eos,
	}
	for id, text := range tokens {
		if _, dup := v.index[text]; dup {
			continue // first id wins, matching common vocab dumps
		}
		v.index[text] = id
		if len(text) > v.maxLen {
			v.maxLen = len(text)
		}
	}
	return v, nil
}

// ParseVocab decodes a VocabSpec JSON document into a Vocab.
func ParseVocab(data []byte) (*Vocab, error) {
	var spec VocabSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("tokenizer: parse vocab: %w", err)
	}
	return NewVocab(spec.Tokens, spec.BOS, spec.EOS)
}

// ByteVocab returns a vocabulary of all 256 single bytes followed by the
// given special tokens. Useful for tests and the reference runtime, where
// byte-level ids keep round-trips trivially exact.
func ByteVocab(specials ...string) *Vocab {
	tokens := make([]string, 256, 256+len(specials))
	for i := range 256 {
		tokens[i] = string([]byte{byte(i)})
	}
	tokens = append(tokens, specials...)
	bos, eos := -1, -1
	if len(specials) > 0 {
		bos = 256
		eos = 255 + len(specials)
	}
	v, _ := NewVocab(tokens, bos, eos)
	return v
}

// Encode maps text to token ids by greedy longest match.
func (v *Vocab) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text)/3+1)
	for i := 0; i < len(text); {
		limit := min(v.maxLen, len(text)-i)
		matched := false
		for l := limit; l >= 1; l-- {
			if id, ok := v.index[text[i:i+l]]; ok {
				ids = append(ids, id)
				i += l
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("tokenizer: byte 0x%02x at offset %d not in vocabulary", text[i], i)
		}
	}
	return ids, nil
}

// Decode concatenates the token strings for ids. Unknown ids are an error.
func (v *Vocab) Decode(ids []int) (string, error) {
	var out []byte
	for _, id := range ids {
		if id < 0 || id >= len(v.tokens) {
			return "", fmt.Errorf("tokenizer: id %d outside vocabulary of %d", id, len(v.tokens))
		}
		out = append(out, v.tokens[id]...)
	}
	return string(out), nil
}

// TokenString returns the text of a single token, "" for out-of-range ids.
func (v *Vocab) TokenString(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return ""
	}
	return v.tokens[id]
}

// Size returns the vocabulary size.
func (v *Vocab) Size() int { return len(v.tokens) }

// BOS returns the begin-of-sequence id, -1 if none.
func (v *Vocab) BOS() int { return v.bos }

// EOS returns the end-of-sequence id, -1 if none.
func (v *Vocab) EOS() int { return v.eos }
