package recordings

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable is returned when a requested byte range lies outside
// the asset. Surfaced as HTTP 416 with the total length in Content-Range.
var ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")

// ByteRange is a resolved inclusive byte range within an asset of Total bytes.
type ByteRange struct {
	Start int64
	End   int64 // inclusive
	Total int64
}

// Length returns the number of bytes covered by the range.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ContentRange renders the Content-Range response header value.
func (r ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// ParseRange resolves a single-range Range header ("bytes=start-end",
// "bytes=start-", "bytes=-suffix") against an asset of size bytes.
// ok is false when the header is absent or syntactically not a single byte
// range, in which case the caller serves the full asset (RFC 7233 semantics).
// A well-formed range beyond the asset yields ErrRangeNotSatisfiable.
func ParseRange(header string, size int64) (ByteRange, bool, error) {
	if header == "" {
		return ByteRange{}, false, nil
	}
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(spec, ",") {
		return ByteRange{}, false, nil
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return ByteRange{}, false, nil
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	// Suffix form "-n": the final n bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, false, nil
		}
		if n > size {
			n = size
		}
		if size == 0 {
			return ByteRange{}, true, ErrRangeNotSatisfiable
		}
		return ByteRange{Start: size - n, End: size - 1, Total: size}, true, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, false, nil
	}
	if start >= size {
		return ByteRange{}, true, ErrRangeNotSatisfiable
	}

	end := size - 1 // open-ended "start-" means "to end"
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return ByteRange{}, false, nil
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return ByteRange{Start: start, End: end, Total: size}, true, nil
}
