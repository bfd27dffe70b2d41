package media

import "strings"

// mimeExtensions maps the attachment mime types WhatsApp commonly delivers
// to file extensions. Anything else falls back to the mime subtype.
var mimeExtensions = map[string]string{
	"image/jpeg":             "jpg",
	"image/png":              "png",
	"image/webp":             "webp",
	"image/gif":              "gif",
	"video/mp4":              "mp4",
	"video/3gpp":             "3gp",
	"audio/ogg; codecs=opus": "ogg",
	"audio/mpeg":             "mp3",
	"audio/mp4":              "m4a",
	"application/pdf":        "pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
}

// ExtensionForMime returns the file extension for a mime type.
func ExtensionForMime(mime string) string {
	if mime == "" {
		return "bin"
	}
	if ext, ok := mimeExtensions[mime]; ok {
		return ext
	}
	if _, sub, ok := strings.Cut(mime, "/"); ok {
		sub, _, _ = strings.Cut(sub, ";")
		if sub = strings.TrimSpace(sub); sub != "" {
			return sub
		}
	}
	return "bin"
}
