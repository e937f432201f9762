package transfer

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/mattjoyce/farmdispatch/internal/queue"
)

// Codec serializes a batch's items into the input artifact and reads the
// per-item results back from the output artifact. The dispatcher never
// looks inside payloads; only the codec and the worker do.
type Codec interface {
	WriteItems(w io.Writer, items []*queue.Item) error
	ReadResults(r io.Reader, items []*queue.Item) error
}

// CodecVersion is the envelope version written and accepted by JSONCodec.
const CodecVersion = 1

type inputEnvelope struct {
	Version int         `json:"version"`
	Items   []inputItem `json:"items"`
}

type inputItem struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload,omitempty"`
}

type outputEnvelope struct {
	Version int          `json:"version"`
	Results []ItemResult `json:"results"`
}

// ItemResult is one entry of a worker's output artifact.
type ItemResult struct {
	ID        string `json:"id"`
	Succeeded bool   `json:"succeeded"`
	Output    []byte `json:"output,omitempty"`
}

// JSONCodec is the default item codec. Results are matched to items by
// position and the ids must agree.
type JSONCodec struct{}

func (JSONCodec) WriteItems(w io.Writer, items []*queue.Item) error {
	env := inputEnvelope{Version: CodecVersion, Items: make([]inputItem, len(items))}
	for i, it := range items {
		env.Items[i] = inputItem{ID: it.ID, Payload: it.Payload}
	}
	return json.NewEncoder(w).Encode(env)
}

func (JSONCodec) ReadResults(r io.Reader, items []*queue.Item) error {
	var env outputEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return fmt.Errorf("decode results: %w", err)
	}
	if env.Version != CodecVersion {
		return fmt.Errorf("unsupported result version %d", env.Version)
	}
	if len(env.Results) != len(items) {
		return fmt.Errorf("result count mismatch: got %d, want %d", len(env.Results), len(items))
	}
	for i, res := range env.Results {
		if res.ID != items[i].ID {
			return fmt.Errorf("result %d: id %q does not match item %q", i, res.ID, items[i].ID)
		}
	}
	for i, res := range env.Results {
		items[i].Succeeded = res.Succeeded
		items[i].Output = res.Output
	}
	return nil
}

// DecodeItems reads an input artifact written by JSONCodec. Workers and
// test harnesses use it to recover the item list.
func DecodeItems(r io.Reader) ([]ItemResult, error) {
	var env inputEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if env.Version != CodecVersion {
		return nil, fmt.Errorf("unsupported item version %d", env.Version)
	}
	out := make([]ItemResult, len(env.Items))
	for i, it := range env.Items {
		out[i] = ItemResult{ID: it.ID, Output: it.Payload}
	}
	return out, nil
}

// EncodeResults writes an output artifact in the form JSONCodec reads.
func EncodeResults(w io.Writer, results []ItemResult) error {
	return json.NewEncoder(w).Encode(outputEnvelope{Version: CodecVersion, Results: results})
}
