package apply

import "fmt"

// ChecksumError means the batch checksum did not match the received records.
// The whole batch is rejected with no side effects; the sender should rebuild
// and retry.
type ChecksumError struct {
	BatchID string
	Reason  string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("batch %s rejected: %s", e.BatchID, e.Reason)
}

func NewChecksumError(batchID, reason string) *ChecksumError {
	return &ChecksumError{BatchID: batchID, Reason: reason}
}

func IsChecksumError(err error) bool {
	_, ok := err.(*ChecksumError)
	return ok
}

// PartialFailureError means at least one database's share of a batch failed
// while the other may have committed. The accompanying Result carries the
// per-database detail the sender needs to retry one side in isolation.
type PartialFailureError struct {
	BatchID string
	AppErr  string
	AuthErr string
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("batch %s partially failed: app=%q auth=%q", e.BatchID, e.AppErr, e.AuthErr)
}

func IsPartialFailureError(err error) bool {
	_, ok := err.(*PartialFailureError)
	return ok
}
