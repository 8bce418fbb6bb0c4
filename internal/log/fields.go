package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldUserID    = "user_id"
	FieldChannelID = "channel_id"
	FieldContent   = "content_key"

	// Process / pipeline fields
	FieldEvent      = "event"
	FieldComponent  = "component"
	FieldProvenance = "provenance"
	FieldCandidate  = "candidate"

	// Media fields
	FieldCodec    = "codec"
	FieldQuality  = "quality"
	FieldFileName = "file_name"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldReason    = "reason"

	// Network / path fields
	FieldURL  = "url"
	FieldPath = "path"
	FieldAddr = "addr"
)
