// Package storage defines the remote-storage capability the pipeline uploads
// conversion results to.
package storage

import "context"

// File is one artifact to place in the destination folder.
type File struct {
	Name     string
	Data     []byte
	MIMEType string
}

// Uploader places a set of files into a named folder under a parent.
// UploadFolder is idempotent under identical folderName: repeated calls reuse
// the existing folder and skip files that are already present.
type Uploader interface {
	UploadFolder(ctx context.Context, files []File, parentID, folderName string) (folderID string, err error)
}
