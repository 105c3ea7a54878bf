package license

import "licensing-controlplane/pkg/errutil"

var (
	ErrDuplicateActiveLicense = errutil.BaseError{Code: errutil.StatusConflict, Message: "duplicate active license"}
	ErrInvalidLicenseType     = errutil.BaseError{Code: errutil.StatusValidationFailed, Message: "invalid license type"}
	ErrExpiryRequired         = errutil.BaseError{Code: errutil.StatusValidationFailed, Message: "expires_at is required"}
	ErrReferenceRequired      = errutil.BaseError{Code: errutil.StatusValidationFailed, Message: "machine fingerprint or subscription id is required"}
	ErrLicenseNotFound        = errutil.BaseError{Code: errutil.StatusNotFound, Message: "license not found"}
)
