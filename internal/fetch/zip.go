package fetch

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/champion-data/champion/internal/errs"
)

// extractSingleCSV verifies the ZIP and extracts exactly one CSV member
// matching the descriptor's file pattern. Zero or multiple matches are an
// integrity failure: the payload is ambiguous and must not be guessed at.
func extractSingleCSV(zipPath string, desc Descriptor, logicalDate time.Time, destDir string) (string, error) {
	op := "fetch." + desc.Name

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", errs.Wrap(errs.Integrity, op, err).Hint("zip", zipPath)
	}
	defer r.Close()

	pattern := desc.FilePattern
	if pattern == "" {
		pattern = `(?i)\.csv$`
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", errs.Wrap(errs.Config, op, err)
	}

	var match *zip.File
	matches := 0
	for _, zf := range r.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		if re.MatchString(zf.Name) {
			matches++
			match = zf
		}
	}
	switch {
	case matches == 0:
		return "", errs.Newf(errs.Integrity, op, "no member matching %q in %s", pattern, filepath.Base(zipPath))
	case matches > 1:
		return "", errs.Newf(errs.Integrity, op, "%d members matching %q in %s, expected exactly one",
			matches, pattern, filepath.Base(zipPath))
	}

	src, err := match.Open()
	if err != nil {
		return "", errs.Wrap(errs.Integrity, op, err)
	}
	defer src.Close()

	final := filepath.Join(destDir, fmt.Sprintf("%s_%s.csv", desc.Name, logicalDate.Format("20060102")))
	tmp, err := os.CreateTemp(destDir, ".tmp-unzip-*")
	if err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		return "", errs.Wrap(errs.Integrity, op, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	if err := tmp.Close(); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	return final, nil
}
