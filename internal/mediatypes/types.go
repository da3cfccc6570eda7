package mediatypes

import (
	"sort"
	"strings"
)

// FileType represents the kind of a source file.
type FileType string

const (
	// FileTypeVideo is a container that carries video (and usually audio).
	FileTypeVideo FileType = "video"
	// FileTypeAudio is an audio-only file.
	FileTypeAudio FileType = "audio"
	// FileTypeOther represents an unknown or unsupported file type.
	FileTypeOther FileType = "other"
)

// VideoExtensions maps file extensions to whether they are supported video formats.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
	".mpeg": true,
	".mpg":  true,
	".3gp":  true,
	".ts":   true,
}

// AudioExtensions maps file extensions to whether they are supported audio formats.
var AudioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".flac": true,
	".aac":  true,
	".m4a":  true,
	".ogg":  true,
	".opus": true,
	".wma":  true,
	".aiff": true,
	".aif":  true,
}

// MimeTypes maps file extensions to their MIME types.
var MimeTypes = map[string]string{
	// Videos
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".m4v":  "video/x-m4v",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".3gp":  "video/3gpp",
	".ts":   "video/mp2t",

	// Audio
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".aac":  "audio/aac",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".wma":  "audio/x-ms-wma",
	".aiff": "audio/aiff",
	".aif":  "audio/aiff",
}

// NormalizeExt lowercases an extension and makes sure it has a leading dot.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// GetFileType returns the FileType for a given file extension.
// The extension should be lowercase and include the leading dot (e.g., ".mp4").
func GetFileType(ext string) FileType {
	if VideoExtensions[ext] {
		return FileTypeVideo
	}
	if AudioExtensions[ext] {
		return FileTypeAudio
	}
	return FileTypeOther
}

// GetMimeType returns the MIME type for a given file extension.
// Returns "application/octet-stream" if the extension is not recognized.
func GetMimeType(ext string) string {
	if mime, ok := MimeTypes[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}

// IsMediaFile returns true if the extension represents a supported media file.
func IsMediaFile(ext string) bool {
	return GetFileType(ext) != FileTypeOther
}

// DefaultExtensions returns every known audio and video extension, sorted.
// It is the scanner's default allow-list.
func DefaultExtensions() []string {
	out := make([]string, 0, len(VideoExtensions)+len(AudioExtensions))
	for ext := range VideoExtensions {
		out = append(out, ext)
	}
	for ext := range AudioExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
