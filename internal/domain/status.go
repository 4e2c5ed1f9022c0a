package domain

// Status is a task status code. Values are the numeric wire codes reported by
// collaborators; Name returns the canonical display form.
type Status string

// Generic lifecycle codes.
const (
	StatusQueued   Status = "100"
	StatusProgress Status = "101"
	StatusSuccess  Status = "200"
	StatusDeleted  Status = "300"
	StatusExpired  Status = "301"
	StatusError    Status = "400"
)

// Upload sequence: external file -> object storage -> cluster.
const (
	StatusAskUploadURL              Status = "110"
	StatusURLReceived               Status = "111"
	StatusUploadConfirmed           Status = "112"
	StatusDownloadToClusterStarted  Status = "113"
	StatusDownloadToClusterFinished Status = "114"
	StatusDownloadToClusterError    Status = "115"
)

// Download sequence: cluster filesystem -> object storage.
const (
	StatusUploadFromFilesystemStarted  Status = "116"
	StatusUploadFromFilesystemFinished Status = "117"
	StatusUploadFromFilesystemError    Status = "118"
)

var statusNames = map[Status]string{
	StatusQueued:   "queued",
	StatusProgress: "progress",
	StatusSuccess:  "success",
	StatusDeleted:  "deleted",
	StatusExpired:  "expired",
	StatusError:    "error",

	StatusAskUploadURL:              "ask-upload-url",
	StatusURLReceived:               "url-received",
	StatusUploadConfirmed:           "upload-confirmed",
	StatusDownloadToClusterStarted:  "download-to-cluster-started",
	StatusDownloadToClusterFinished: "download-to-cluster-finished",
	StatusDownloadToClusterError:    "download-to-cluster-error",

	StatusUploadFromFilesystemStarted:  "upload-from-filesystem-started",
	StatusUploadFromFilesystemFinished: "upload-from-filesystem-finished",
	StatusUploadFromFilesystemError:    "upload-from-filesystem-error",
}

var statusByName = func() map[string]Status {
	m := make(map[string]Status, len(statusNames))
	for s, n := range statusNames {
		m[n] = s
	}
	return m
}()

// ParseStatus accepts a numeric code ("101") or a canonical name ("progress").
// Anything else is rejected with InvalidStatusError.
func ParseStatus(token string) (Status, error) {
	if _, ok := statusNames[Status(token)]; ok {
		return Status(token), nil
	}
	if s, ok := statusByName[token]; ok {
		return s, nil
	}
	return "", &InvalidStatusError{Value: token}
}

// Valid reports whether s is a member of the closed enumeration.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Code returns the wire code.
func (s Status) Code() string { return string(s) }

// Name returns the canonical display name, or "unknown".
func (s Status) Name() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) String() string { return s.Name() }

// IsTerminal returns true for success, error, deleted and expired.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusDeleted, StatusExpired:
		return true
	}
	return false
}

// IsFrozen returns true once a task has been deleted or expired. A frozen
// task accepts no further transitions.
func (s Status) IsFrozen() bool {
	return s == StatusDeleted || s == StatusExpired
}

// IsTransfer returns true for the upload/download sub-codes.
func (s Status) IsTransfer() bool {
	switch s {
	case StatusAskUploadURL, StatusURLReceived, StatusUploadConfirmed,
		StatusDownloadToClusterStarted, StatusDownloadToClusterFinished, StatusDownloadToClusterError,
		StatusUploadFromFilesystemStarted, StatusUploadFromFilesystemFinished, StatusUploadFromFilesystemError:
		return true
	}
	return false
}
