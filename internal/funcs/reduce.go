package funcs

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/oriys/cumulus/internal/storage"
)

// ReduceInput is what a reduce function receives: the results of its map
// partitions ordered by partition index.
type ReduceInput struct {
	Results []json.RawMessage
	Index   int
	// Source is the object or URL the group was cut from when reducing
	// one group per object.
	Source string
	// Storage is the data plane map functions read from.
	Storage storage.Storage
	// Objects resolves references map functions returned and stores new
	// objects for the reduce result.
	Objects *Objects
	// Out receives the partition's log lines; nil discards them.
	Out io.Writer
}

func (in *ReduceInput) Logf(format string, args ...any) {
	logf(in.Out, format, args...)
}

// Decode unmarshals the i-th map result into v.
func (in *ReduceInput) Decode(i int, v any) error {
	if i < 0 || i >= len(in.Results) {
		return fmt.Errorf("result %d out of range (%d results)", i, len(in.Results))
	}
	return json.Unmarshal(in.Results[i], v)
}
