package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/gitzhang10/seqbft/consensus"
)

var (
	ErrCorruptMarker    = errors.New("stored voted height is corrupt")
	ErrMarkerRegression = errors.New("voted height must not decrease")
)

var lastVotedHeightKey = []byte("consensus/last_voted_height")

// LevelDB keeps the voted-height marker in a goleveldb database.
type LevelDB struct {
	lock   sync.Mutex
	db     *leveldb.DB
	logger hclog.Logger
}

// OpenLevelDB opens or creates the database at path, recovering it if the
// manifest is corrupted.
func OpenLevelDB(path string, logger hclog.Logger) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if lerrors.IsCorrupted(err) {
		logger.Warn("database corrupted, recovering", "path", path, "error", err)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return NewLevelDB(db, logger), nil
}

func NewLevelDB(db *leveldb.DB, logger hclog.Logger) *LevelDB {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &LevelDB{db: db, logger: logger}
}

var _ consensus.VotedHeightStore = (*LevelDB)(nil)

func (s *LevelDB) LastVotedHeight() (consensus.Height, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastVotedHeight()
}

func (s *LevelDB) lastVotedHeight() (consensus.Height, bool, error) {
	v, err := s.db.Get(lastVotedHeightKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("%w: %d bytes", ErrCorruptMarker, len(v))
	}
	return consensus.Height(binary.BigEndian.Uint64(v)), true, nil
}

// SetLastVotedHeight durably stores height. Storing a lower height than the
// current marker fails; storing the same height is a no-op.
func (s *LevelDB) SetLastVotedHeight(height consensus.Height) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	cur, ok, err := s.lastVotedHeight()
	if err != nil {
		return err
	}
	if ok && height < cur {
		return fmt.Errorf("%w: have %d, got %d", ErrMarkerRegression, cur, height)
	}
	if ok && height == cur {
		return nil
	}
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(height))
	if err := s.db.Put(lastVotedHeightKey, v, &opt.WriteOptions{Sync: true}); err != nil {
		return err
	}
	s.logger.Debug("persisted last voted height", "height", height)
	return nil
}

func (s *LevelDB) Close() error {
	return s.db.Close()
}
