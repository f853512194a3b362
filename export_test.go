package doccontext

// ScanCount returns how many binding lists have been evaluated.
func ScanCount() int64 { return scans.Load() }
