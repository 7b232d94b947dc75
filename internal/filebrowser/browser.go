// Package filebrowser serves the session work-directory browsing and
// plan-file I/O surfaces named in §6: list a directory, view a file
// (image or text, with a binary/size guard), serve raw bytes, and
// read/write a session's plan file. Adapted from the teacher's
// internal/filebrowser/browser.go: same path-containment guard and
// text/image/binary classification, restructured to return *apperr.Error
// instead of bare fmt.Errorf so the server layer can map failures to HTTP
// status by code instead of string-matching, and extended with plan-file
// read/write for internal/planfile.
package filebrowser

import (
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ralphloop/ralph/internal/apperr"
)

const maxFileSize = 1024 * 1024 // 1MB

const planFileName = "PLAN.md"

var imageExts = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

var langExts = map[string]string{
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".rs":    "rust",
	".rb":    "ruby",
	".java":  "java",
	".c":     "c",
	".cpp":   "cpp",
	".h":     "c",
	".css":   "css",
	".html":  "html",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".md":    "markdown",
	".sh":    "bash",
	".bash":  "bash",
	".zsh":   "bash",
	".sql":   "sql",
	".xml":   "xml",
	".swift": "swift",
	".kt":    "kotlin",
	".mod":   "go",
	".sum":   "text",
}

type Browser struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Browser {
	return &Browser{logger: logger}
}

type DirEntry struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // "dir" or "file"
	ModTime string `json:"modTime"`
}

type ListResult struct {
	Path    string     `json:"path"`
	Entries []DirEntry `json:"entries"`
}

func (b *Browser) List(dir string, hidden bool) (*ListResult, error) {
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = home
	}

	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, apperr.Invalid("invalid path: %v", err)
	}

	if err := b.validatePath(dir); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperr.Wrap(err, "cannot read directory %s", dir)
	}

	result := &ListResult{
		Path:    dir,
		Entries: make([]DirEntry, 0, len(entries)),
	}

	for _, e := range entries {
		if !hidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		entryType := "file"
		if e.IsDir() {
			entryType = "dir"
		}
		info, _ := e.Info()
		modTime := time.Time{}
		if info != nil {
			modTime = info.ModTime()
		}
		result.Entries = append(result.Entries, DirEntry{
			Name:    e.Name(),
			Type:    entryType,
			ModTime: modTime.UTC().Format(time.RFC3339),
		})
	}

	return result, nil
}

type FileView struct {
	Path     string `json:"path"`
	Type     string `json:"type"` // "text" or "image"
	Content  string `json:"content,omitempty"`
	Language string `json:"language,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

func (b *Browser) View(path string) (*FileView, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, apperr.Invalid("invalid path: %v", err)
	}

	if err := b.validatePath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.NotFound("file %s", path)
	}

	if info.IsDir() {
		return nil, apperr.Invalid("path %s is a directory", path)
	}

	ext := strings.ToLower(filepath.Ext(path))

	if mime, ok := imageExts[ext]; ok {
		return &FileView{
			Path: path,
			Type: "image",
			Mime: mime,
			Size: info.Size(),
			URL:  "/api/v1/files/raw?path=" + url.QueryEscape(path),
		}, nil
	}

	if info.Size() > maxFileSize {
		return nil, apperr.Invalid("file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(err, "cannot read file %s", path)
	}

	if isBinary(content) {
		return nil, apperr.Invalid("unsupported file type: binary")
	}

	return &FileView{
		Path:     path,
		Type:     "text",
		Content:  string(content),
		Language: langExts[ext],
		Size:     info.Size(),
	}, nil
}

func (b *Browser) ServeRaw(w http.ResponseWriter, r *http.Request, path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	if err := b.validatePath(absPath); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	http.ServeFile(w, r, absPath)
}

// ReadPlanFile returns the raw markdown of a session's plan file (§6 "plan
// file I/O"), or NotFound if it hasn't been created yet.
func (b *Browser) ReadPlanFile(workDir string) (string, error) {
	path := filepath.Join(workDir, planFileName)
	if err := b.validatePath(path); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.NotFound("plan file for %s", workDir)
		}
		return "", apperr.Wrap(err, "cannot read plan file %s", path)
	}
	return string(data), nil
}

// WritePlanFile atomically overwrites a session's plan file with markdown
// (typically the output of planfile.Render).
func (b *Browser) WritePlanFile(workDir, markdown string) error {
	path := filepath.Join(workDir, planFileName)
	if err := b.validatePath(filepath.Dir(path)); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(markdown), 0o644); err != nil {
		return apperr.Wrap(err, "cannot write plan file %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(err, "cannot commit plan file %s", path)
	}
	return nil
}

func (b *Browser) validatePath(path string) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return apperr.Invalid("access denied: cannot resolve path %s", path)
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}

	home, _ := os.UserHomeDir()
	homeResolved, _ := filepath.EvalSymlinks(home)

	// path separator suffix prevents /Users/ralph-evil matching /Users/ralph
	allowedRoots := []string{
		homeResolved + string(filepath.Separator),
		"/tmp" + string(filepath.Separator),
	}

	if resolved == homeResolved {
		return nil
	}

	for _, root := range allowedRoots {
		if strings.HasPrefix(resolved+string(filepath.Separator), root) {
			return nil
		}
	}

	return apperr.Invalid("access denied: path must be under home directory")
}

func isBinary(data []byte) bool {
	check := data
	if len(check) > 512 {
		check = check[:512]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}
