package domain

// AllStatuses returns every recognized status in code order.
func AllStatuses() []Status {
	return []Status{
		StatusQueued, StatusProgress,
		StatusAskUploadURL, StatusURLReceived, StatusUploadConfirmed,
		StatusDownloadToClusterStarted, StatusDownloadToClusterFinished, StatusDownloadToClusterError,
		StatusUploadFromFilesystemStarted, StatusUploadFromFilesystemFinished, StatusUploadFromFilesystemError,
		StatusSuccess, StatusDeleted, StatusExpired, StatusError,
	}
}
