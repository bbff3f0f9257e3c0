//go:build tinygo || wasm

// Command fillers removes hesitation words from final transcripts.
package main

import (
	"encoding/json"
	"strings"

	"github.com/loqalabs/loqa-stt/plugins/examples/internal/guest"
)

type result struct {
	Transcript   string            `json:"transcript"`
	Confidence   float64           `json:"confidence"`
	IsFinal      bool              `json:"is_final"`
	Language     string            `json:"language"`
	Alternatives []json.RawMessage `json:"alternatives,omitempty"`
}

var fillers = map[string]bool{"um": true, "uh": true, "erm": true, "hmm": true}

func main() {}

//export enhance_result
func enhanceResult(ptr, length uint32) uint64 {
	var r result
	if err := json.Unmarshal(guest.Input(ptr, length), &r); err != nil {
		guest.Log("fillers: bad input: " + err.Error())
		return 0
	}
	if !r.IsFinal {
		return 0
	}
	words := strings.Fields(r.Transcript)
	kept := words[:0]
	for _, w := range words {
		if !fillers[strings.ToLower(strings.Trim(w, ",.!?"))] {
			kept = append(kept, w)
		}
	}
	if len(kept) == len(words) {
		return 0
	}
	r.Transcript = strings.Join(kept, " ")
	out, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	return guest.Output(out)
}
