// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package relay

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ChunkDecoder incrementally decodes a byte stream to text.
//
// Chunk boundaries are transport-defined and may split a multi-byte
// character; a partial trailing sequence is carried over to the next chunk
// rather than dropped or corrupted. Invalid byte sequences decode to the
// Unicode replacement character instead of failing the stream.
//
// Not safe for concurrent use; one decoder per stream.
type ChunkDecoder struct {
	decoder *encoding.Decoder
	pending []byte
}

func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{decoder: unicode.UTF8.NewDecoder()}
}

// Decode consumes one chunk and returns the text decodable so far. Bytes
// that end mid-character are buffered until the next Decode or Flush call.
func (d *ChunkDecoder) Decode(p []byte) (string, error) {
	src := p
	if len(d.pending) > 0 {
		src = append(d.pending, p...)
		d.pending = nil
	}
	return d.transform(src, false)
}

// Flush drains any buffered partial sequence at end of stream. An
// incomplete trailing character decodes to the replacement character.
func (d *ChunkDecoder) Flush() (string, error) {
	if len(d.pending) == 0 {
		return "", nil
	}
	src := d.pending
	d.pending = nil
	return d.transform(src, true)
}

func (d *ChunkDecoder) transform(src []byte, atEOF bool) (string, error) {
	var out []byte
	dst := make([]byte, len(src)+utf8.UTFMax)
	for {
		nDst, nSrc, err := d.decoder.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		switch {
		case err == nil:
			return string(out), nil
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc) && !atEOF:
			d.pending = append(d.pending, src...)
			return string(out), nil
		default:
			return string(out), fmt.Errorf("decode stream chunk: %w", err)
		}
	}
}
