/*
Package layout maps announcements onto the on-disk directory contract. Presence of the files it
names is the only state used to decide what work remains on a rerun.
*/
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shanehull/bsescraper/internal/types"
)

const (
	maxComponentLen = 150
	// maxDirNameLen leaves room under the 255 byte name limit for "<dir>.pdf" and the
	// ".tmp-<name>-<random>" files written next to it.
	maxDirNameLen = 200
	dirHashLen    = 16

	QADirName          = "QA_Results"
	MetadataFile       = "metadata.json"
	QAResultsFile      = "qa_results.json"
	TextFile           = "extracted_text.txt"
	OCRFile            = "ocr_text.txt"
	LongResultsFile    = "all_qa_results.csv"
	SummaryTableFile   = "qa_summary_table.csv"
	MergedDataFile     = "merged_announcements_data.json"
	ResultsDatabase    = "qa_results.db"
	textDirName        = "text"
	ocrDirName         = "ocr"
	tablesDirName      = "tables"
	imagesDirName      = "images"
	dateDirLayout      = "02_01_2006"
	announcementLayout = types.DateLayout
)

// Sanitize makes s safe to use as a single path component. Every byte outside [A-Za-z0-9_.-]
// becomes '_', leading dots are replaced so the result can never be "." or "..", and the
// result is cut to 150 bytes.
func Sanitize(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}

	out := []byte(sb.String())
	for i := 0; i < len(out) && out[i] == '.'; i++ {
		out[i] = '_'
	}
	if len(out) > maxComponentLen {
		out = out[:maxComponentLen]
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}

// DirName is the deterministic directory key of an announcement. Names longer than
// maxDirNameLen are cut and suffixed with a hash of the full name.
func DirName(company, scriptID, description string) string {
	name := Sanitize(company) + "_" + Sanitize(scriptID) + "_" + Sanitize(description)
	if len(name) <= maxDirNameLen {
		return name
	}
	sum := sha256.Sum256([]byte(company + "\x00" + scriptID + "\x00" + description))
	return name[:maxDirNameLen-dirHashLen-1] + "_" + hex.EncodeToString(sum[:])[:dirHashLen]
}

// DateDir converts the exchange's DD-MM-YYYY date into the DD_MM_YYYY directory name.
func DateDir(date string) string {
	if t, err := time.Parse(announcementLayout, date); err == nil {
		return t.Format(dateDirLayout)
	}
	return Sanitize(strings.ReplaceAll(date, "-", "_"))
}

type Layout struct {
	Root string
}

func New(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) AnnouncementDir(a types.Announcement) string {
	return filepath.Join(l.Root, DateDir(a.Date), DirName(a.CompanyName, a.ScriptID, a.Description))
}

func (l Layout) PDFPath(a types.Announcement) string {
	return filepath.Join(l.AnnouncementDir(a), DirName(a.CompanyName, a.ScriptID, a.Description)+".pdf")
}

func (l Layout) MetadataPath(a types.Announcement) string {
	return filepath.Join(l.AnnouncementDir(a), MetadataFile)
}

func (l Layout) QADir(a types.Announcement) string {
	return filepath.Join(l.QARoot(), DateDir(a.Date), DirName(a.CompanyName, a.ScriptID, a.Description))
}

func (l Layout) QAResultsPath(a types.Announcement) string {
	return filepath.Join(l.QADir(a), QAResultsFile)
}

func (l Layout) QARoot() string {
	return filepath.Join(l.Root, QADirName)
}

func (l Layout) LongResultsPath() string {
	return filepath.Join(l.QARoot(), LongResultsFile)
}

func (l Layout) SummaryTablePath() string {
	return filepath.Join(l.QARoot(), SummaryTableFile)
}

func (l Layout) DatabasePath() string {
	return filepath.Join(l.QARoot(), ResultsDatabase)
}

func (l Layout) MergedDataPath() string {
	return filepath.Join(l.Root, MergedDataFile)
}

// Artifacts returns the sub-layout of a single announcement directory.
func Artifacts(dir string) ArtifactPaths {
	return ArtifactPaths{
		Dir:       dir,
		TextDir:   filepath.Join(dir, textDirName),
		OCRDir:    filepath.Join(dir, ocrDirName),
		TablesDir: filepath.Join(dir, tablesDirName),
		ImagesDir: filepath.Join(dir, imagesDirName),
	}
}

type ArtifactPaths struct {
	Dir       string
	TextDir   string
	OCRDir    string
	TablesDir string
	ImagesDir string
}

func (p ArtifactPaths) TextPath() string {
	return filepath.Join(p.TextDir, TextFile)
}

func (p ArtifactPaths) OCRPath() string {
	return filepath.Join(p.OCRDir, OCRFile)
}

func (p ArtifactPaths) TablePath(n int) string {
	return filepath.Join(p.TablesDir, fmt.Sprintf("table%d.csv", n))
}

func (p ArtifactPaths) PageImagePath(page int) string {
	return filepath.Join(p.ImagesDir, fmt.Sprintf("page%d_full.png", page))
}

func (p ArtifactPaths) EmbeddedImagePath(page, index int) string {
	return filepath.Join(p.ImagesDir, fmt.Sprintf("page%d_img%d.png", page, index))
}

// StorageError marks a filesystem failure that leaves no way to make further progress.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err (or anything it wraps) is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

// WriteFile writes data through a temporary file in the same directory and renames it into
// place, so a crash never leaves a truncated artifact behind.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := MkdirAll(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return &StorageError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// FileNonEmpty reports whether path is a regular file holding at least one byte.
func FileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// CheckWritable verifies the output root can be created and written to.
func CheckWritable(root string) error {
	if err := MkdirAll(root); err != nil {
		return err
	}
	f, err := os.CreateTemp(root, ".writable-*")
	if err != nil {
		return &StorageError{Op: "check writable", Path: root, Err: err}
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
