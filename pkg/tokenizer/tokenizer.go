// Package tokenizer implements the byte-level tokenizer used by ngpt
// models: every token is one byte, so the vocabulary is fixed at 256
// and any text round-trips exactly.
package tokenizer

import (
	"fmt"
	"unicode/utf8"
)

// VocabSize is the number of distinct byte tokens.
const VocabSize = 256

// Encode maps text to its byte token ids.
func Encode(s string) []int {
	ids := make([]int, len(s))
	for i := 0; i < len(s); i++ {
		ids[i] = int(s[i])
	}
	return ids
}

// EncodeBytes maps raw bytes to token ids.
func EncodeBytes(b []byte) []int {
	ids := make([]int, len(b))
	for i, c := range b {
		ids[i] = int(c)
	}
	return ids
}

// Decode maps token ids back to text. Ids must be valid byte tokens.
func Decode(ids []int) string {
	b := make([]byte, len(ids))
	for i, id := range ids {
		if id < 0 || id >= VocabSize {
			panic(fmt.Sprintf("tokenizer: id %d out of byte range", id))
		}
		b[i] = byte(id)
	}
	return string(b)
}

// Printable renders ids for logs, mapping control bytes to spaces so
// sampled continuations stay terminal safe.
func Printable(ids []int) string {
	b := make([]byte, len(ids))
	for i, id := range ids {
		c := byte(id)
		if c < 32 {
			c = ' '
		}
		b[i] = c
	}
	return string(b)
}

// StreamDecoder converts a token stream to text incrementally without
// splitting multi-byte UTF-8 sequences across emissions. Bytes that
// may still complete a rune are held back until they do; invalid
// sequences decode to U+FFFD as usual.
type StreamDecoder struct {
	buf []byte
}

// Push adds one token and returns whatever text completed.
func (d *StreamDecoder) Push(id int) string {
	if id < 0 || id >= VocabSize {
		panic(fmt.Sprintf("tokenizer: id %d out of byte range", id))
	}
	d.buf = append(d.buf, byte(id))
	return d.drain(false)
}

// Flush returns any buffered text, decoding an unfinished trailing
// sequence as replacement characters. The decoder is reusable after.
func (d *StreamDecoder) Flush() string {
	return d.drain(true)
}

// Pending reports how many bytes are waiting for a rune to complete.
func (d *StreamDecoder) Pending() int { return len(d.buf) }

func (d *StreamDecoder) drain(flush bool) string {
	var out []byte
	for len(d.buf) > 0 {
		r, size := utf8.DecodeRune(d.buf)
		if r == utf8.RuneError && size <= 1 {
			if !flush && incompletePrefix(d.buf) {
				break
			}
			out = utf8.AppendRune(out, utf8.RuneError)
			d.buf = d.buf[1:]
			continue
		}
		out = append(out, d.buf[:size]...)
		d.buf = d.buf[size:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return string(out)
}

// incompletePrefix reports whether b could still grow into a valid
// UTF-8 encoding. Sequences the leading byte rules out are rejected
// immediately; borderline continuations are settled once the sequence
// reaches full length.
func incompletePrefix(b []byte) bool {
	if len(b) == 0 || len(b) >= utf8.UTFMax {
		return false
	}
	var want int
	switch lead := b[0]; {
	case lead < 0xC2:
		return false
	case lead < 0xE0:
		want = 2
	case lead < 0xF0:
		want = 3
	case lead < 0xF5:
		want = 4
	default:
		return false
	}
	if len(b) >= want {
		return false
	}
	for _, c := range b[1:] {
		if c&0xC0 != 0x80 {
			return false
		}
	}
	return true
}
