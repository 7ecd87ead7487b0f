package ir

// Version constants for the record schema and server.
const (
	// RecordVersion is the outcome record schema version stored in the journal.
	RecordVersion = "1"

	// ServerVersion is the bankserver version.
	ServerVersion = "0.1.0"
)
