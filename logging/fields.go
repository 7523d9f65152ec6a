package logging

const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldRoomID    = "room_id"
	FieldUserID    = "user_id"
	FieldClientID  = "client_id"
	FieldMessageID = "message_id"
	FieldConnID    = "conn_id"
	FieldEvent     = "event"
	FieldState     = "state"
	FieldAttempt   = "attempt"
	FieldSubject   = "subject"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldClientIP  = "client_ip"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
)
