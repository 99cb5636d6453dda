package trail

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// decoderPool provides reusable zstd decoders.
var decoderPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return d
	},
}

// Decode returns the fixes stored in a segment payload.
func Decode(data []byte) ([]Fix, error) {
	d := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(d)

	raw, err := d.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}

	var fixes []Fix
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Fix
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decode fix %d: %w", len(fixes), err)
		}
		fixes = append(fixes, f)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan segment: %w", err)
	}
	return fixes, nil
}
