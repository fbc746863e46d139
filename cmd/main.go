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

// Command llamadyn runs the grammar-constrained sampling engine.
//
// Usage:
//
//	llamadyn run                      # Drive demo sessions and serve metrics
//	llamadyn describe                 # Print the effective sampling parameters
//	llamadyn grammar check <file>     # Compile a grammar file and report errors
package main

import (
	"io"

	json "github.com/antflydb/antfly-go/libaf/json"
	gojson "github.com/goccy/go-json"

	"github.com/AlienKevin/llamadyn/cmd/cmd"
)

func init() {
	// Configure the JSON wrapper to use goccy/go-json for performance
	json.SetConfig(json.Config{
		Marshal:   gojson.Marshal,
		Unmarshal: gojson.Unmarshal,
		MarshalString: func(v any) (string, error) {
			data, err := gojson.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		UnmarshalString: func(s string, v any) error {
			return gojson.Unmarshal([]byte(s), v)
		},
		NewEncoder: func(w io.Writer) json.Encoder {
			return gojson.NewEncoder(w)
		},
		NewDecoder: func(r io.Reader) json.Decoder {
			return gojson.NewDecoder(r)
		},
	})
}

// https://goreleaser.com/cookbooks/using-main.version/
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
