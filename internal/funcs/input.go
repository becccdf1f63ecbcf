package funcs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/storage"
)

// Input is what a map function receives for its partition.
type Input struct {
	Descriptor domain.InputDescriptor
	Index      int
	// Storage is the data plane the partition was cut from.
	Storage storage.Storage
	// HTTP fetches URL partitions; nil uses http.DefaultClient.
	HTTP *http.Client
	// Objects holds intermediate objects handed to a later phase.
	Objects *Objects
	// Out receives the partition's log lines; nil discards them.
	Out io.Writer
}

// Logf appends a line to the partition log shipped back with the result.
func (in *Input) Logf(format string, args ...any) {
	logf(in.Out, format, args...)
}

func logf(out io.Writer, format string, args ...any) {
	if out == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	io.WriteString(out, line)
}

// Decode unmarshals the inline value into v.
func (in *Input) Decode(v any) error {
	if in.Descriptor.Kind != domain.InputValue {
		return fmt.Errorf("partition %d has no inline value (kind %s)", in.Index, in.Descriptor.Kind)
	}
	return json.Unmarshal(in.Descriptor.Value, v)
}

// Bucket and Key name the source object of an object or range partition.
func (in *Input) Bucket() string { return in.Descriptor.Bucket }
func (in *Input) Key() string    { return in.Descriptor.Key }

// URL is the source of a URL partition or a range cut from one.
func (in *Input) URL() string { return in.Descriptor.URL }

// Open returns a reader over the partition's bytes: the whole object or
// URL, or exactly its byte range.
func (in *Input) Open(ctx context.Context) (io.ReadCloser, error) {
	d := in.Descriptor
	switch d.Kind {
	case domain.InputObject:
		return in.Storage.GetObjectStream(ctx, d.Bucket, d.Key, nil)
	case domain.InputURL:
		return openURL(ctx, in.HTTP, d.URL, 0, -1)
	case domain.InputRange:
		if d.Length == 0 {
			return io.NopCloser(strings.NewReader("")), nil
		}
		if d.URL != "" {
			return openURL(ctx, in.HTTP, d.URL, d.Offset, d.Length)
		}
		return in.Storage.GetObjectStream(ctx, d.Bucket, d.Key, &storage.Range{Offset: d.Offset, Length: d.Length})
	case domain.InputValue:
		return io.NopCloser(strings.NewReader(string(d.Value))), nil
	default:
		return nil, fmt.Errorf("partition %d: unsupported input kind %s", in.Index, d.Kind)
	}
}

// ReadAll returns the partition's bytes.
func (in *Input) ReadAll(ctx context.Context) ([]byte, error) {
	rc, err := in.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Lines calls fn for each line of the partition without its newline. For a
// byte-range partition a line belongs to the range its first byte falls in:
// a line cut at the range start is left to the previous range and a line
// cut at the range end is read to completion, so adjacent ranges together
// yield every line exactly once.
func (in *Input) Lines(ctx context.Context, fn func(line string) error) error {
	d := in.Descriptor
	if d.Kind != domain.InputRange {
		rc, err := in.Open(ctx)
		if err != nil {
			return err
		}
		defer rc.Close()
		return eachLine(bufio.NewReader(rc), -1, fn)
	}
	if d.Length == 0 {
		return nil
	}

	from := d.Offset
	if from > 0 {
		from-- // peek at the byte before the range
	}
	rc, err := in.openFrom(ctx, from)
	if err != nil {
		return err
	}
	defer rc.Close()
	br := bufio.NewReader(rc)

	pos := from
	if d.Offset > 0 {
		prev, err := br.ReadByte()
		if err != nil {
			return ignoreEOF(err)
		}
		pos++
		if prev != '\n' {
			skipped, err := br.ReadString('\n')
			pos += int64(len(skipped))
			if err != nil {
				return ignoreEOF(err)
			}
		}
	}
	end := d.Offset + d.Length
	if pos >= end {
		return nil
	}
	return eachLine(br, end-pos, fn)
}

// openFrom reads the range's source from offset to its end.
func (in *Input) openFrom(ctx context.Context, offset int64) (io.ReadCloser, error) {
	d := in.Descriptor
	if d.URL != "" {
		return openURL(ctx, in.HTTP, d.URL, offset, -1)
	}
	return in.Storage.GetObjectStream(ctx, d.Bucket, d.Key, &storage.Range{Offset: offset, Length: -1})
}

// eachLine reads lines starting within the first budget bytes of br; a
// negative budget reads to EOF.
func eachLine(br *bufio.Reader, budget int64, fn func(string) error) error {
	var consumed int64
	for budget < 0 || consumed < budget {
		line, err := br.ReadString('\n')
		consumed += int64(len(line))
		if line != "" {
			if ferr := fn(strings.TrimRight(line, "\r\n")); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return ignoreEOF(err)
		}
	}
	return nil
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
