package api

// Document is the metadata the backend keeps for a library document.
type Document struct {
	// ID is the backend identifier of the document.
	ID string `json:"_id"`
	// Title is the human-readable document title.
	Title string `json:"title"`
	// Author names the document author when known.
	Author string `json:"author,omitempty"`
	// TotalPages is the number of rendered pages that can be requested.
	TotalPages int `json:"total_pages"`
	// TotalCopies is the number of lendable copies.
	TotalCopies int `json:"total_copies,omitempty"`
	// AvailableCopies is the number of copies not currently borrowed.
	AvailableCopies int `json:"available_copies,omitempty"`
	// CopyrightStatus is one of the CopyrightStatus* values.
	CopyrightStatus string `json:"copyright_status,omitempty"`
}

// Copyright status values reported in Document.CopyrightStatus.
const (
	CopyrightPublicDomain     = "PUBLIC_DOMAIN"
	CopyrightOpenLicense      = "OPEN_LICENSE"
	CopyrightInternalUse      = "INTERNAL_USE"
	CopyrightAuthorPermission = "AUTHOR_PERMISSION"
	CopyrightUnknown          = "UNKNOWN"
)

// DocumentData is the payload of GET /documents/{id}. HasAccess is computed
// by the backend for the identity that made the request.
type DocumentData struct {
	// Document holds the document metadata.
	Document Document `json:"document"`
	// HasAccess reports whether the caller may read the document pages.
	HasAccess bool `json:"hasAccess"`
	// HasReview reports whether the caller already reviewed the document.
	HasReview bool `json:"hasReview,omitempty"`
}

// DocumentResponse is the envelope returned by GET /documents/{id}.
type DocumentResponse struct {
	// Message is an informational message from the backend.
	Message string `json:"message,omitempty"`
	// Data carries the document and the caller's entitlement.
	Data DocumentData `json:"data"`
}
