package idgenerator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

/*
 reserved ids are persisted before they are handed out :
   the file holds the highest id that may have been returned,
   ids are taken from memory until the reservation is used up,
   a restart continues after the reservation, the unused rest is skipped.
*/

const (
	DefaultBatch = 100
	MaxBatch     = 1 << 20
)

var (
	ErrClosed = errors.New("id generator is closed")
)

type IdGenerator interface {
	NextId() (uint64, error)
	Close() error
}

type fileSequence struct {
	sync.Mutex
	path     string
	batch    uint64
	next     uint64
	reserved uint64
	closed   bool
}

// NewFileSequence opens (or creates) the sequence persisted at path.
// Every batch ids cost one durable write.
func NewFileSequence(path string, batch int) (IdGenerator, error) {
	if batch <= 0 {
		batch = DefaultBatch
	}
	if batch > MaxBatch {
		return nil, fmt.Errorf("batch should be in range (%d, %d)", 1, MaxBatch)
	}

	reserved, err := readReserved(path)
	if err != nil {
		return nil, err
	}
	return &fileSequence{
		path:     path,
		batch:    uint64(batch),
		next:     reserved + 1,
		reserved: reserved,
	}, nil
}

func (seq *fileSequence) NextId() (uint64, error) {
	seq.Lock()
	defer seq.Unlock()

	if seq.closed {
		return 0, ErrClosed
	}
	if seq.next == 0 {
		return 0, errors.New("id space exhausted")
	}

	if seq.next > seq.reserved {
		reserve := seq.next + seq.batch - 1
		if reserve < seq.next {
			reserve = ^uint64(0)
		}
		if err := writeReserved(seq.path, reserve); err != nil {
			return 0, err
		}
		seq.reserved = reserve
	}

	id := seq.next
	seq.next++
	return id, nil
}

func (seq *fileSequence) Close() error {
	seq.Lock()
	defer seq.Unlock()
	seq.closed = true
	return nil
}

func readReserved(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read sequence file : %w", err)
	}
	text := strings.TrimSpace(string(data))
	if len(text) == 0 {
		return 0, fmt.Errorf("sequence file %s is empty", path)
	}
	v, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sequence file %s is corrupt : %w", path, err)
	}
	return v, nil
}

// writeReserved replaces the sequence file atomically : write a temporary
// file, sync it, rename it over the old one and sync the directory.
func writeReserved(path string, reserved uint64) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create sequence file : %w", err)
	}
	_, err = f.WriteString(strconv.FormatUint(reserved, 10) + "\n")
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write sequence file : %w", err)
	}

	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename sequence file : %w", err)
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory : %w", err)
	}
	defer d.Close()
	if err = d.Sync(); err != nil {
		return fmt.Errorf("sync directory : %w", err)
	}
	return nil
}
