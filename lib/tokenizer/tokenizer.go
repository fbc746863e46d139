// Copyright 2026 The llamadyn Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tokenizer provides token-to-text decoding for the sampling
// engine. The engine only ever converts ids back to text pieces; encoding
// belongs to whoever produced the prompt.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// TokenDecoder converts token ids to text pieces.
type TokenDecoder interface {
	// Decode returns the text piece for a single token id.
	Decode(id int) string
	// VocabSize returns the number of token ids the model scores.
	VocabSize() int
	// NewlineID returns the token id of "\n", or -1 if none exists.
	NewlineID() int
	// IsEOG reports whether the id is an end-of-generation token.
	IsEOG(id int) bool
}

func init() {
	// Use the embedded dictionaries so decoding works offline.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// BPEDecoder decodes ids with a tiktoken BPE encoding.
type BPEDecoder struct {
	tk        *tiktoken.Tiktoken
	vocabSize int
	newlineID int
	eog       map[int]bool
}

// NewBPEDecoder creates a decoder for the named tiktoken encoding
// ("cl100k_base", "o200k_base", "p50k_base", "r50k_base"). vocabSize is the
// model's score vector length; eogIDs are the model's end-of-generation
// token ids.
func NewBPEDecoder(encoding string, vocabSize int, eogIDs ...int) (*BPEDecoder, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	tk, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("getting tiktoken encoding %q: %w", encoding, err)
	}

	eog := make(map[int]bool, len(eogIDs))
	for _, id := range eogIDs {
		eog[id] = true
	}

	newlineID := -1
	if ids := tk.Encode("\n", nil, nil); len(ids) == 1 {
		newlineID = ids[0]
	}

	return &BPEDecoder{
		tk:        tk,
		vocabSize: vocabSize,
		newlineID: newlineID,
		eog:       eog,
	}, nil
}

func (d *BPEDecoder) Decode(id int) string {
	if id < 0 || id >= d.vocabSize || d.eog[id] {
		return ""
	}
	return d.tk.Decode([]int{id})
}

func (d *BPEDecoder) VocabSize() int    { return d.vocabSize }
func (d *BPEDecoder) NewlineID() int    { return d.newlineID }
func (d *BPEDecoder) IsEOG(id int) bool { return d.eog[id] }

// StaticDecoder decodes ids from a fixed piece table. Used by tests and the
// built-in demo vocabulary.
type StaticDecoder struct {
	pieces    []string
	newlineID int
	eog       map[int]bool
}

// NewStaticDecoder builds a decoder over the given pieces. The newline id is
// derived from the table; eogIDs marks end-of-generation ids, which decode
// to the empty string.
func NewStaticDecoder(pieces []string, eogIDs ...int) *StaticDecoder {
	eog := make(map[int]bool, len(eogIDs))
	for _, id := range eogIDs {
		eog[id] = true
	}
	newlineID := -1
	for i, p := range pieces {
		if p == "\n" {
			newlineID = i
			break
		}
	}
	return &StaticDecoder{pieces: pieces, newlineID: newlineID, eog: eog}
}

func (d *StaticDecoder) Decode(id int) string {
	if id < 0 || id >= len(d.pieces) || d.eog[id] {
		return ""
	}
	return d.pieces[id]
}

func (d *StaticDecoder) VocabSize() int    { return len(d.pieces) }
func (d *StaticDecoder) NewlineID() int    { return d.newlineID }
func (d *StaticDecoder) IsEOG(id int) bool { return d.eog[id] }
