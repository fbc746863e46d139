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

package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDecoder(t *testing.T) {
	dec := NewStaticDecoder([]string{"<eog>", "a", "\n", "bc"}, 0)

	assert.Equal(t, 4, dec.VocabSize())
	assert.Equal(t, "a", dec.Decode(1))
	assert.Equal(t, "bc", dec.Decode(3))
	assert.Equal(t, 2, dec.NewlineID())

	assert.True(t, dec.IsEOG(0))
	assert.False(t, dec.IsEOG(1))
	// End-of-generation tokens carry no text.
	assert.Equal(t, "", dec.Decode(0))

	// Out-of-range ids decode to nothing.
	assert.Equal(t, "", dec.Decode(-1))
	assert.Equal(t, "", dec.Decode(99))
}

func TestStaticDecoderNoNewline(t *testing.T) {
	dec := NewStaticDecoder([]string{"a", "b"})
	assert.Equal(t, -1, dec.NewlineID())
}

func TestBPEDecoder(t *testing.T) {
	dec, err := NewBPEDecoder("cl100k_base", 100277, 100257)
	require.NoError(t, err)

	assert.Equal(t, 100277, dec.VocabSize())

	nl := dec.NewlineID()
	require.GreaterOrEqual(t, nl, 0)
	assert.Equal(t, "\n", dec.Decode(nl))

	assert.True(t, dec.IsEOG(100257))
	assert.Equal(t, "", dec.Decode(100257))
	assert.Equal(t, "", dec.Decode(-5))
}

func TestBPEDecoderUnknownEncoding(t *testing.T) {
	_, err := NewBPEDecoder("no_such_encoding", 10)
	assert.Error(t, err)
}
