// Package layout derives the on-disk session directory for a source URL.
package layout

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"hls-grabber/internal/model"
)

const (
	SegmentsDirName = "segments"
	FileListName    = "filelist.txt"
	OutputBaseName  = "output"

	SegmentedSuffix   = ".m3u8"
	ProgressiveSuffix = ".mp4"

	// segmented identifiers come from this path component, counted from the end
	segmentedIDDepth = 3
)

// Paths is the derived directory tree of one session.
type Paths struct {
	Root        string `json:"root"`
	SessionDir  string `json:"session_dir"`
	SegmentsDir string `json:"segments_dir"`
	FileList    string `json:"file_list"`
	Output      string `json:"output"`
}

// ModeOf returns the acquisition mode implied by the URL's path suffix.
func ModeOf(rawURL string) (model.Mode, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case SegmentedSuffix:
		return model.ModeSegmented, true
	case ProgressiveSuffix:
		return model.ModeProgressive, true
	}
	return "", false
}

// Identifier derives the session identifier. Segmented sources use the
// third-from-last path component of the manifest URL, progressive sources the
// file name stem. Anything that does not yield a usable name falls back to a
// timestamp so naming never fails a session.
func Identifier(rawURL string, mode model.Mode, now time.Time) string {
	fallback := fmt.Sprintf("video_%d", now.Unix())

	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	parts := splitPath(u.Path)

	var id string
	switch mode {
	case model.ModeSegmented:
		if len(parts) >= segmentedIDDepth {
			id = parts[len(parts)-segmentedIDDepth]
		}
	case model.ModeProgressive:
		if len(parts) >= 1 {
			last := parts[len(parts)-1]
			id = strings.TrimSuffix(last, path.Ext(last))
		}
	}

	if !usable(id) {
		return fallback
	}
	return id
}

func splitPath(p string) []string {
	var parts []string
	for _, s := range strings.Split(strings.Trim(p, "/"), "/") {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

func usable(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}

// Resolve builds the session paths under outputRoot. ext is the final
// artifact extension without the dot.
func Resolve(outputRoot, id, ext string) Paths {
	root, err := filepath.Abs(outputRoot)
	if err != nil {
		root = outputRoot
	}
	if ext == "" {
		ext = "mp4"
	}
	dir := filepath.Join(root, id)
	return Paths{
		Root:        root,
		SessionDir:  dir,
		SegmentsDir: filepath.Join(dir, SegmentsDirName),
		FileList:    filepath.Join(dir, FileListName),
		Output:      filepath.Join(dir, OutputBaseName+"."+strings.TrimPrefix(ext, ".")),
	}
}

// SegmentPath returns the local file for segment i.
func (p Paths) SegmentPath(i int) string {
	return filepath.Join(p.SegmentsDir, fmt.Sprintf("segment_%04d.ts", i))
}

// Ensure creates the session and segments directories if absent. It never
// removes anything.
func (p Paths) Ensure(mode model.Mode) error {
	dir := p.SessionDir
	if mode == model.ModeSegmented {
		dir = p.SegmentsDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return model.NewError(model.ErrLocalIO, "create session directory", err)
	}
	return nil
}

// FileExists reports whether path is a regular, non-empty file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}
