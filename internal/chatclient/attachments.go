package chatclient

import (
	"context"
	"fmt"
	"log/slog"
)

// FileUpload is the payload handed to the storage collaborator.
type FileUpload struct {
	Name     string
	MimeType string
	Size     int64
	Base64   string
}

// UploadResult is the storage collaborator's answer. A nil StorageKey
// signals a recoverable upload failure.
type UploadResult struct {
	FileName   string  `json:"fileName"`
	StorageKey *string `json:"storageKey"`
	Size       int64   `json:"size"`
	MimeType   string  `json:"mimeType"`
}

// Uploader is the opaque attachment storage collaborator.
type Uploader interface {
	Upload(ctx context.Context, file FileUpload) (UploadResult, error)
}

// ResolveAttachment backfills one attachment's storage key after the
// background upload finishes. A nil key degrades the attachment to an
// "unavailable" badge; the message itself is untouched.
func (c *Client) ResolveAttachment(messageID, fileName string, storageKey *string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, ok := c.messages.get(messageID)
	if !ok {
		return fmt.Errorf("resolve attachment: no message under %s", messageID)
	}

	for i := range msg.Attachments {
		if msg.Attachments[i].FileName != fileName {
			continue
		}
		if storageKey == nil {
			msg.Attachments[i].Unavailable = true
		} else {
			msg.Attachments[i].StorageKey = storageKey
			msg.Attachments[i].Unavailable = false
		}
		return nil
	}
	return fmt.Errorf("resolve attachment: no attachment %q on message %s", fileName, messageID)
}

// UploadAttachments runs the background upload task for a message's
// files. It is called after the turn's network race completes, so the
// message id is already stable. Each file fails in isolation: an upload
// error or a nil storage key marks only that attachment unavailable.
func (c *Client) UploadAttachments(ctx context.Context, uploader Uploader, messageID string, files []FileUpload) {
	for _, f := range files {
		result, err := uploader.Upload(ctx, f)
		if err != nil {
			c.logger.WithContext(ctx).Warn("attachment upload failed",
				slog.String("file", f.Name),
				slog.String("error", err.Error()))
			result = UploadResult{FileName: f.Name, StorageKey: nil}
		}
		if rerr := c.ResolveAttachment(messageID, f.Name, result.StorageKey); rerr != nil {
			c.logger.WithContext(ctx).Warn("attachment resolution failed",
				slog.String("file", f.Name),
				slog.String("error", rerr.Error()))
		}
	}
}
