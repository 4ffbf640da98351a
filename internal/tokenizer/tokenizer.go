// Package tokenizer adapts the model's subword vocabulary to an
// encode/decode capability. The generation engine decodes only newly
// appended tokens, so Decode must be cheap for single-token calls.
package tokenizer

// Tokenizer is the minimal encode/decode interface consumed by the prompt
// builder and the generation engine.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}
