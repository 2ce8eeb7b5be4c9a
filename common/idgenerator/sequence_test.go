package idgenerator

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

func TestSequenceSuite(t *testing.T) {
	suite.Run(t, new(_seqSuite))
}

type _seqSuite struct {
	suite.Suite
	path string
}

func (s *_seqSuite) SetupTest() {
	s.path = filepath.Join(s.T().TempDir(), "transactions.seq")
}

func (s *_seqSuite) TestIncreasing() {
	seq, err := NewFileSequence(s.path, 3)
	s.Nil(err)

	last := uint64(0)
	for i := 0; i < 20; i++ {
		id, err := seq.NextId()
		s.Nil(err)
		s.Greater(id, last)
		last = id
	}
	s.Equal(uint64(20), last)
	s.Nil(seq.Close())

	_, err = seq.NextId()
	s.Equal(ErrClosed, err)
}

func (s *_seqSuite) TestRestart() {
	seen := map[uint64]struct{}{}
	last := uint64(0)

	for restart := 0; restart < 5; restart++ {
		seq, err := NewFileSequence(s.path, 10)
		s.Nil(err)
		// a different number of ids each run, never the whole reservation
		for i := 0; i < restart+2; i++ {
			id, err := seq.NextId()
			s.Nil(err)
			s.Greater(id, last)
			_, dup := seen[id]
			s.False(dup)
			seen[id] = struct{}{}
			last = id
		}
		// crash : no Close
	}
}

func (s *_seqSuite) TestBatchOfOne() {
	seq, err := NewFileSequence(s.path, 1)
	s.Nil(err)
	id, err := seq.NextId()
	s.Nil(err)
	s.Equal(uint64(1), id)

	seq, err = NewFileSequence(s.path, 1)
	s.Nil(err)
	id, err = seq.NextId()
	s.Nil(err)
	s.Equal(uint64(2), id)
}

func (s *_seqSuite) TestConcurrent() {
	seq, err := NewFileSequence(s.path, 7)
	s.Nil(err)

	workers, count := 8, 200
	results := make([][]uint64, workers)
	wg := sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < count; i++ {
				id, err := seq.NextId()
				if err != nil {
					return
				}
				results[w] = append(results[w], id)
			}
		}(w)
	}
	wg.Wait()

	seen := map[uint64]struct{}{}
	for _, ids := range results {
		s.Equal(count, len(ids))
		for i, id := range ids {
			if i > 0 {
				s.Greater(id, ids[i-1])
			}
			_, dup := seen[id]
			s.False(dup)
			seen[id] = struct{}{}
		}
	}
	s.Equal(workers*count, len(seen))
}

func (s *_seqSuite) TestCorruptFile() {
	s.Nil(os.WriteFile(s.path, []byte("not a number\n"), 0644))
	_, err := NewFileSequence(s.path, 1)
	s.NotNil(err)

	_, err = NewFileSequence(s.path, MaxBatch+1)
	s.NotNil(err)
}
