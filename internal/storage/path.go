package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// File type directories used as the first key segment.
const (
	FileTypeImage    = "image"
	FileTypeVideo    = "video"
	FileTypeAudio    = "audio"
	FileTypeText     = "text"
	FileTypeDocument = "document"
	FileTypeArchive  = "archive"
	FileTypeOther    = "other"
)

const (
	shardLevels = 2
	shardWidth  = 2
)

// ObjectKey builds the final object key for a task.
// Keys are sharded by the leading hex pairs of the task id:
//
//	video/3f/a2/3fa2c1d0-....mp4
func ObjectKey(fileType string, taskID uuid.UUID, ext string) string {
	if fileType == "" {
		fileType = FileTypeOther
	}
	id := taskID.String()

	components := make([]string, 0, shardLevels+2)
	components = append(components, fileType)
	offset := 0
	for i := 0; i < shardLevels; i++ {
		components = append(components, id[offset:offset+shardWidth])
		offset += shardWidth
	}
	components = append(components, id+ext)

	return path.Join(components...)
}

// PartKey builds the key under which chunk partNumber of objectKey is stored.
func PartKey(prefix, objectKey string, partNumber int) string {
	return path.Join(prefix, objectKey, fmt.Sprintf("%05d", partNumber))
}

// PartKeys returns the part keys for chunks 1..total in order.
func PartKeys(prefix, objectKey string, total int) []string {
	keys := make([]string, 0, total)
	for n := 1; n <= total; n++ {
		keys = append(keys, PartKey(prefix, objectKey, n))
	}
	return keys
}

var documentSubtypes = []string{"pdf", "msword", "officedocument", "opendocument", "rtf", "epub"}

var archiveSubtypes = []string{"zip", "x-tar", "gzip", "x-7z-compressed", "x-rar-compressed", "x-bzip2", "x-xz"}

// FileTypeFromMime maps a MIME type to its key directory.
func FileTypeFromMime(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	major, sub, _ := strings.Cut(mimeType, "/")
	switch major {
	case "image", "video", "audio":
		return major
	case "text":
		return FileTypeText
	case "application":
		for _, s := range documentSubtypes {
			if strings.Contains(sub, s) {
				return FileTypeDocument
			}
		}
		for _, s := range archiveSubtypes {
			if sub == s {
				return FileTypeArchive
			}
		}
	}
	return FileTypeOther
}
