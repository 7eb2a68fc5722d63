package archiver

import "fmt"

// RenderFailure reports that a single target failed to load or extract.
// It never aborts the rest of the batch.
type RenderFailure struct {
	Target Target
	Err    error
}

func (e *RenderFailure) Error() string {
	return fmt.Sprintf("render %s (listing %s): %v", e.Target.URL, e.Target.ListingUUID, e.Err)
}

func (e *RenderFailure) Unwrap() error { return e.Err }

// BatchFailure reports that a capture run aborted before finishing its batch.
type BatchFailure struct {
	ClientID  string
	Remaining int
	Err       error
}

func (e *BatchFailure) Error() string {
	return fmt.Sprintf("capture batch for client %s aborted with %d targets remaining: %v",
		e.ClientID, e.Remaining, e.Err)
}

func (e *BatchFailure) Unwrap() error { return e.Err }
