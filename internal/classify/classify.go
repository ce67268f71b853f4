// Package classify decides how one remote file is handled locally.
package classify

import (
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knifezred/123strm/internal/config"
)

// Kind is the handling decision for a remote file.
type Kind int

const (
	// Skip records nothing locally.
	Skip Kind = iota
	// EmitStrm writes a pointer file containing URL at TargetPath.
	EmitStrm
	// Download fetches the remote content to TargetPath.
	Download
)

func (k Kind) String() string {
	switch k {
	case EmitStrm:
		return "strm"
	case Download:
		return "download"
	default:
		return "skip"
	}
}

// Action is the outcome of classifying one file.
type Action struct {
	Kind       Kind
	TargetPath string // absolute local path to materialize
	URL        string // strm content, set for EmitStrm
}

// Classify decides the handling for a remote file. It is pure: the same
// inputs always yield the same Action and nothing is touched on disk.
//
// parentPath is the file's folder path relative to the job's target root
// ("" for files directly under a root folder).
func Classify(fileID int64, filename, parentPath string, job config.Job) Action {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	switch {
	case matchExt(ext, job.VideoExtensions):
		return videoAction(fileID, filename, base, parentPath, job)

	case matchExt(ext, job.ImageExtensions):
		if !job.DownloadImage || job.FlattenMode {
			return Action{Kind: Skip}
		}
		if len(job.DownloadImageSuffix) > 0 && !matchSuffix(base, job.DownloadImageSuffix) {
			return Action{Kind: Skip}
		}
		return Action{Kind: Download, TargetPath: filepath.Join(job.TargetDir, parentPath, filename)}

	case matchExt(ext, job.SubtitleExtensions):
		if !job.DownloadSubtitle || job.FlattenMode {
			return Action{Kind: Skip}
		}
		return Action{Kind: Download, TargetPath: filepath.Join(job.TargetDir, parentPath, filename)}

	case ext == ".nfo":
		if !job.DownloadNFO || job.FlattenMode {
			return Action{Kind: Skip}
		}
		return Action{Kind: Download, TargetPath: filepath.Join(job.TargetDir, parentPath, filename)}
	}

	return Action{Kind: Skip}
}

func videoAction(fileID int64, filename, base, parentPath string, job config.Job) Action {
	var target string
	if job.FlattenMode {
		target = filepath.Join(job.TargetDir, base+".strm")
	} else {
		target = filepath.Join(job.TargetDir, parentPath, base+".strm")
	}

	var content string
	if job.Use302URL {
		content = strings.TrimRight(job.Proxy, "/") +
			"/get_file_url/" + strconv.FormatInt(fileID, 10) + "/" + url.PathEscape(job.ID)
	} else {
		content = joinPrefix(job.PathPrefix, filepath.ToSlash(filepath.Join(parentPath, filename)))
	}

	return Action{Kind: EmitStrm, TargetPath: target, URL: content}
}

// joinPrefix joins a URL-or-path prefix with a relative path without
// mangling a scheme's double slash.
func joinPrefix(prefix, rel string) string {
	if prefix == "" {
		return rel
	}
	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(rel, "/")
}

func matchExt(ext string, list []string) bool {
	for _, e := range list {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func matchSuffix(base string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(base, s) {
			return true
		}
	}
	return false
}
