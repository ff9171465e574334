package event

// SchemaError represents an envelope that failed payload validation for its
// event type. Field is the offending payload field; Reason describes why.
type SchemaError struct {
	EventType Type
	Field     string
	Reason    string
}

func (e *SchemaError) Error() string {
	errMsg := "schema violation"
	if e != nil && e.EventType != "" {
		errMsg += " for " + string(e.EventType)
	}
	if e != nil && e.Field != "" {
		errMsg += ": " + e.Field
	}
	if e != nil && e.Reason != "" {
		errMsg += ": " + e.Reason
	}
	return errMsg
}

// DecodeError represents a failure to reconstruct an envelope from its wire
// form. It wraps the underlying unmarshal/parse error.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	errMsg := "decode failed"
	if e != nil && e.Field != "" {
		errMsg += ": " + e.Field
	}
	if e != nil && e.Err != nil {
		errMsg += ": " + e.Err.Error()
	}
	return errMsg
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *DecodeError) Unwrap() error { return e.Err }
