// Package archiver defines the types and collaborator interfaces shared by the
// admission, session, and pipeline subsystems of the listing archiver.
package archiver
