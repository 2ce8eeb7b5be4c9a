package file

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash"

	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/tc/store"
)

/*
 one record per line :
     <STATUS>|<checksum>
     <resourceManager>-<branchId>:<STATUS>|<checksum>
 checksum is the xxhash64 of the text before '|', 16 hex digits.
*/

const (
	statusSeparator   = ":"
	checksumSeparator = "|"
	entrySeparator    = '\n'
	checksumLength    = 16
)

func encodeRecord(r store.Record) []byte {
	entry := string(r.Status)
	if len(r.BranchKey) > 0 {
		entry = r.BranchKey + statusSeparator + entry
	}
	line := make([]byte, 0, len(entry)+checksumLength+2)
	line = append(line, entry...)
	line = append(line, checksumSeparator...)
	line = append(line, fmt.Sprintf("%016x", xxhash.Sum64([]byte(entry)))...)
	line = append(line, entrySeparator)
	return line
}

func decodeLine(line []byte) (store.Record, error) {
	idx := bytes.LastIndex(line, []byte(checksumSeparator))
	if idx == -1 || len(line)-idx-1 != checksumLength {
		return store.Record{}, fmt.Errorf("missing checksum")
	}
	entry := line[:idx]
	sum, err := strconv.ParseUint(string(line[idx+1:]), 16, 64)
	if err != nil {
		return store.Record{}, fmt.Errorf("invalid checksum : %v", err)
	}
	if xxhash.Sum64(entry) != sum {
		return store.Record{}, fmt.Errorf("checksum mismatch")
	}

	text := string(entry)
	r := store.Record{}
	// status names never contain ':', resource manager names might
	if sep := strings.LastIndex(text, statusSeparator); sep != -1 {
		r.BranchKey = text[:sep]
		text = text[sep+1:]
		if _, _, err := store.ParseBranchKey(r.BranchKey); err != nil {
			return store.Record{}, err
		}
	}
	r.Status, err = define.ParseTxnStatus(text)
	if err != nil {
		return store.Record{}, err
	}
	return r, nil
}

// replay rebuilds the snapshot from the content of a log file. It returns
// the length of the valid prefix; a damaged last line is a torn write and
// is dropped, damage anywhere else is corruption.
func replay(transactionId uint64, data []byte) (*store.Snapshot, int64, error) {
	snapshot := store.NewSnapshot(transactionId)
	offset := 0
	for offset < len(data) {
		end := bytes.IndexByte(data[offset:], entrySeparator)
		if end == -1 {
			// no line ending : torn
			return snapshot, int64(offset), nil
		}
		line := data[offset : offset+end]
		next := offset + end + 1
		if len(line) > 0 {
			r, err := decodeLine(line)
			if err != nil {
				if next == len(data) {
					return snapshot, int64(offset), nil
				}
				return nil, 0, fmt.Errorf("%w : line at offset %d : %v", store.ErrCorrupt, offset, err)
			}
			snapshot.Apply(r)
		}
		offset = next
	}
	return snapshot, int64(offset), nil
}
