package api

// ErrorResponse is the JSON body the backend sends with non-2xx responses.
type ErrorResponse struct {
	// Message describes the failure in user-facing terms.
	Message string `json:"message"`
}
