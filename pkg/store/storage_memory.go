package store

import (
	"sync"

	"github.com/google/uuid"
)

// NewMemoryStorageStore returns the in-memory StorageStore test double.
func NewMemoryStorageStore() *MemoryStorageStore {
	return &MemoryStorageStore{
		uploadReports:        make(map[uuid.UUID][]UploadReport),
		verificationRequests: make(map[uuid.UUID]VerificationRequest),
	}
}

type MemoryStorageStore struct {
	mu                   sync.Mutex
	uploadReports        map[uuid.UUID][]UploadReport
	verificationRequests map[uuid.UUID]VerificationRequest
}

func (s *MemoryStorageStore) Close() error { return nil }

func (s *MemoryStorageStore) PutUploadReport(report UploadReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadReports[report.SubtaskID] = append(s.uploadReports[report.SubtaskID], report)
	return nil
}

func (s *MemoryStorageStore) UploadReportsForSubtask(subtaskID uuid.UUID) ([]UploadReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UploadReport(nil), s.uploadReports[subtaskID]...), nil
}

func (s *MemoryStorageStore) PutVerificationRequest(req VerificationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verificationRequests[req.SubtaskID] = req
	return nil
}

func (s *MemoryStorageStore) VerificationRequest(subtaskID uuid.UUID) (VerificationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.verificationRequests[subtaskID]
	if !ok {
		return VerificationRequest{}, ErrSubtaskNotFound
	}
	return req, nil
}
