package binlog

import (
	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/store"
	"github.com/hetianyi/gox/logger"
)

// JournaledStore writes a binlog event for every record persisted through it.
type JournaledStore struct {
	store.TransferStore
	binlog *Manager
}

func NewJournaledStore(s store.TransferStore, m *Manager) *JournaledStore {
	return &JournaledStore{TransferStore: s, binlog: m}
}

func (s *JournaledStore) Save(rec *common.TransferRecord) error {
	if err := s.TransferStore.Save(rec); err != nil {
		return err
	}
	s.journal(rec)
	return nil
}

func (s *JournaledStore) Update(rec *common.TransferRecord) error {
	if err := s.TransferStore.Update(rec); err != nil {
		return err
	}
	s.journal(rec)
	return nil
}

// journal failures never fail the store operation.
func (s *JournaledStore) journal(rec *common.TransferRecord) {
	if err := s.binlog.Write(EventOf(rec)); err != nil {
		logger.Warn("cannot write binlog of ", rec.Key(), ": ", err)
	}
}
