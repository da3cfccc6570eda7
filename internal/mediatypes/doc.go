// Package mediatypes holds the table of audio and video file extensions the
// scanner accepts by default, with their MIME types.
//
// It has no dependencies beyond the standard library so any package can
// import it without creating a cycle.
//
//	ext := mediatypes.NormalizeExt(filepath.Ext(name))
//	if mediatypes.IsMediaFile(ext) {
//	    // candidate for transcoding
//	}
package mediatypes
