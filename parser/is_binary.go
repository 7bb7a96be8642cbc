package parser

// IsBinary reports whether data is a raw attachment buffer. Attachments
// are represented as []byte: the one shape gorilla/websocket hands us for
// a binary frame and the one shape a caller would construct an outgoing
// attachment as.
func IsBinary(data any) bool {
	_, ok := data.([]byte)
	return ok
}

// HasBinary recursively scans data for an attachment, the trigger for
// promoting EVENT/ACK to BINARY_EVENT/BINARY_ACK.
func HasBinary(data any) bool {
	switch v := data.(type) {
	case nil:
		return false
	case []any:
		for _, item := range v {
			if HasBinary(item) {
				return true
			}
		}
		return false
	case map[string]any:
		for _, item := range v {
			if HasBinary(item) {
				return true
			}
		}
		return false
	default:
		return IsBinary(data)
	}
}
