package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestUploadReportsAccumulatePerSubtask(t *testing.T) {
	s := NewMemoryStorageStore()
	subtaskID := uuid.New()

	require.NoError(t, s.PutUploadReport(UploadReport{SubtaskID: subtaskID, Path: "result.zip", Size: 10, ReportedAt: time.Unix(1, 0)}))
	require.NoError(t, s.PutUploadReport(UploadReport{SubtaskID: subtaskID, Path: "result.zip.sig", Size: 1, ReportedAt: time.Unix(2, 0)}))

	reports, err := s.UploadReportsForSubtask(subtaskID)
	require.NoError(t, err)
	require.Len(t, reports, 2)
}

func TestVerificationRequestNotFound(t *testing.T) {
	s := NewMemoryStorageStore()
	_, err := s.VerificationRequest(uuid.New())
	require.ErrorIs(t, err, ErrSubtaskNotFound)
}

func TestVerificationRequestRoundTrip(t *testing.T) {
	s := NewMemoryStorageStore()
	subtaskID := uuid.New()
	want := VerificationRequest{SubtaskID: subtaskID, ResultPackagePath: "result.zip", RequestedAt: time.Unix(5, 0)}
	require.NoError(t, s.PutVerificationRequest(want))

	got, err := s.VerificationRequest(subtaskID)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
