// Package drive implements the storage capability on the Google Drive API.
package drive

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"

	driveapi "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/facturador/mailtrigger/internal/gapi"
	"github.com/facturador/mailtrigger/internal/storage"
)

const folderMIMEType = "application/vnd.google-apps.folder"

// Adapter implements storage.Uploader against Google Drive.
type Adapter struct {
	svc *driveapi.Service
}

func New(ctx context.Context, opts ...option.ClientOption) (*Adapter, error) {
	svc, err := driveapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

func (a *Adapter) UploadFolder(ctx context.Context, files []storage.File, parentID, folderName string) (string, error) {
	folderID, err := a.ensureFolder(ctx, folderName, parentID)
	if err != nil {
		return "", err
	}

	for _, f := range files {
		if err := a.uploadIfMissing(ctx, f, folderID); err != nil {
			return "", err
		}
	}
	return folderID, nil
}

// ensureFolder finds a folder by name under parentID or creates it.
func (a *Adapter) ensureFolder(ctx context.Context, name, parentID string) (string, error) {
	query := fmt.Sprintf("mimeType='%s' and name='%s' and '%s' in parents and trashed=false",
		folderMIMEType, escapeQueryValue(name), escapeQueryValue(parentID))

	var listed *driveapi.FileList
	err := gapi.WithRetry(ctx, "drive.files.list.folder", func() error {
		var callErr error
		listed, callErr = a.svc.Files.List().
			Q(query).
			Spaces("drive").
			Fields(googleapi.Field("files(id,name)")).
			PageSize(1).
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("find folder %q: %w", name, err)
	}
	if len(listed.Files) > 0 {
		return listed.Files[0].Id, nil
	}

	var created *driveapi.File
	err = gapi.WithRetry(ctx, "drive.files.create.folder", func() error {
		var callErr error
		created, callErr = a.svc.Files.Create(&driveapi.File{
			Name:     name,
			MimeType: folderMIMEType,
			Parents:  []string{parentID},
		}).Fields(googleapi.Field("id,name")).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	return created.Id, nil
}

// uploadIfMissing uploads the file unless one with the same name already
// exists in the folder. An existing file is kept untouched so retried uploads
// converge instead of duplicating.
func (a *Adapter) uploadIfMissing(ctx context.Context, f storage.File, folderID string) error {
	query := fmt.Sprintf("name='%s' and '%s' in parents and trashed=false",
		escapeQueryValue(f.Name), escapeQueryValue(folderID))

	var listed *driveapi.FileList
	err := gapi.WithRetry(ctx, "drive.files.list.file", func() error {
		var callErr error
		listed, callErr = a.svc.Files.List().
			Q(query).
			Spaces("drive").
			Fields(googleapi.Field("files(id,name)")).
			PageSize(1).
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return fmt.Errorf("find file %q: %w", f.Name, err)
	}
	if len(listed.Files) > 0 {
		log.Printf("file already in drive, keeping existing copy: %s", f.Name)
		return nil
	}

	err = gapi.WithRetry(ctx, "drive.files.create.file", func() error {
		var opts []googleapi.MediaOption
		if f.MIMEType != "" {
			opts = append(opts, googleapi.ContentType(f.MIMEType))
		}
		_, callErr := a.svc.Files.Create(&driveapi.File{
			Name:    f.Name,
			Parents: []string{folderID},
		}).Media(bytes.NewReader(f.Data), opts...).
			Fields(googleapi.Field("id,name")).
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return fmt.Errorf("upload file %q: %w", f.Name, err)
	}
	log.Printf("file uploaded to drive: %s", f.Name)
	return nil
}

func escapeQueryValue(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `'`, `\'`)
}
