package store

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	uploadReportPrefix        = "upload-report:"
	verificationRequestPrefix = "verification-request:"
)

// StorageStore is the conductor's upload/verification bookkeeping store. It
// never references control-store entities directly: subtask_id is the only
// thing the two stores have in common, and it is an opaque value here.
type StorageStore interface {
	PutUploadReport(report UploadReport) error
	UploadReportsForSubtask(subtaskID uuid.UUID) ([]UploadReport, error)
	PutVerificationRequest(req VerificationRequest) error
	VerificationRequest(subtaskID uuid.UUID) (VerificationRequest, error)
	Close() error
}

// LevelDBStorageStore is the production StorageStore, backed by goleveldb.
type LevelDBStorageStore struct {
	db *leveldb.DB
}

// OpenLevelDBStorageStore opens (creating if absent) a goleveldb-backed
// storage store at path.
func OpenLevelDBStorageStore(path string) (*LevelDBStorageStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open storage db: %w", err)
	}
	return &LevelDBStorageStore{db: db}, nil
}

func (s *LevelDBStorageStore) Close() error { return s.db.Close() }

func (s *LevelDBStorageStore) PutUploadReport(report UploadReport) error {
	key := uploadReportKey(report.SubtaskID, report.Path)
	encoded, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(key), encoded, nil)
}

func (s *LevelDBStorageStore) UploadReportsForSubtask(subtaskID uuid.UUID) ([]UploadReport, error) {
	prefix := []byte(uploadReportPrefix + subtaskID.String() + ":")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var reports []UploadReport
	for iter.Next() {
		var r UploadReport
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, iter.Error()
}

func (s *LevelDBStorageStore) PutVerificationRequest(req VerificationRequest) error {
	encoded, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(verificationRequestKey(req.SubtaskID)), encoded, nil)
}

func (s *LevelDBStorageStore) VerificationRequest(subtaskID uuid.UUID) (VerificationRequest, error) {
	raw, err := s.db.Get([]byte(verificationRequestKey(subtaskID)), nil)
	if err == leveldb.ErrNotFound {
		return VerificationRequest{}, ErrSubtaskNotFound
	}
	if err != nil {
		return VerificationRequest{}, err
	}
	var req VerificationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return VerificationRequest{}, err
	}
	return req, nil
}

func uploadReportKey(subtaskID uuid.UUID, path string) string {
	return uploadReportPrefix + subtaskID.String() + ":" + path
}

func verificationRequestKey(subtaskID uuid.UUID) string {
	return verificationRequestPrefix + subtaskID.String()
}
