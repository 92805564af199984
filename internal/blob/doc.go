// Package blob stores archived conversation transcripts.
//
// Keys are slash-separated relative paths; Put returns the locator that
// Exists and Get accept. The filesystem store compresses with zstd and
// commits through a temp file and rename, so a locator never points at a
// partial write.
package blob
