package governor

// admissionDeniedError signals that a component of the budget (or the
// allocation-count ceiling) cannot accommodate the request.
type admissionDeniedError struct {
	component string
	owner     string
}

func (e admissionDeniedError) Error() string {
	msg := "admission denied: insufficient " + e.component
	if e.owner != "" {
		msg += " for " + e.owner
	}
	return msg
}

// IsAdmissionDenied reports whether err is an admission denial.
func IsAdmissionDenied(err error) bool {
	_, ok := err.(admissionDeniedError)
	return ok
}
