package decoder

import (
	"path"
	"strings"
)

var mimeExtensions = map[MessageType]map[string]string{
	TypeDocument: {
		"application/pdf":          "pdf",
		"application/vnd.ms-excel": "xls",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
		"application/vnd.ms-powerpoint":                                             "ppt",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
		"application/msword": "doc",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
		"text/csv":                     "csv",
		"text/plain":                   "txt",
		"application/zip":              "zip",
		"application/x-rar-compressed": "rar",
		"application/vnd.rar":          "rar",
	},
	TypeImage: {
		"image/jpeg": "jpg",
		"image/jpg":  "jpg",
		"image/png":  "png",
		"image/gif":  "gif",
		"image/webp": "webp",
	},
	TypeVideo: {
		"video/mp4":        "mp4",
		"video/3gpp":       "3gp",
		"video/3gp":        "3gp",
		"video/quicktime":  "mov",
		"video/x-msvideo":  "avi",
		"video/x-matroska": "mkv",
		"video/webm":       "webm",
	},
	TypeAudio: {
		"audio/ogg":   "ogg",
		"audio/opus":  "ogg",
		"audio/mpeg":  "mp3",
		"audio/mp3":   "mp3",
		"audio/aac":   "aac",
		"audio/amr":   "amr",
		"audio/wav":   "wav",
		"audio/x-wav": "wav",
		"audio/mp4":   "m4a",
		"audio/x-m4a": "m4a",
	},
}

var defaultExtensions = map[MessageType]string{
	TypeImage:    "jpg",
	TypeVideo:    "mp4",
	TypeAudio:    "ogg",
	TypeDocument: "bin",
}

var defaultBaseNames = map[MessageType]string{
	TypeImage:    "imagem",
	TypeVideo:    "video",
	TypeAudio:    "audio",
	TypeDocument: "documento",
}

// Extension returns the file extension for a MIME type of the given kind.
// Parameters such as "; codecs=opus" are ignored. Unknown types get the
// kind default.
func Extension(t MessageType, mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if semi := strings.IndexByte(mimeType, ';'); semi >= 0 {
		mimeType = strings.TrimSpace(mimeType[:semi])
	}
	if ext, ok := mimeExtensions[t][mimeType]; ok {
		return ext
	}
	if ext, ok := defaultExtensions[t]; ok {
		return ext
	}
	return "bin"
}

// FileName infers a display file name for a media message. An explicit name
// that already has an extension is kept as is.
func FileName(t MessageType, explicitName, mimeType, messageID string) string {
	name := strings.TrimSpace(explicitName)
	if name != "" && path.Ext(name) != "" {
		return name
	}
	if name == "" {
		base, ok := defaultBaseNames[t]
		if !ok {
			base = "arquivo"
		}
		name = base
		if messageID != "" {
			name = base + "_" + messageID
		}
	}
	return name + "." + Extension(t, mimeType)
}
