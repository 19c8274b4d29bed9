// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package extract

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/poiesic/idp/core"
)

const defaultRasterDPI = 300

// languageCodes maps request language codes to tesseract traineddata names.
var languageCodes = map[string]string{
	"ch_tra": "chi_tra",
	"ch_sim": "chi_sim",
	"en":     "eng",
	"ja":     "jpn",
	"ko":     "kor",
	"de":     "deu",
	"fr":     "fra",
	"es":     "spa",
}

// CommandRunner executes an external program and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execRunner runs commands with os/exec, folding stderr into the error.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// TesseractRecognizer runs the tesseract CLI. PDFs are rasterised with
// pdftoppm first and each page is recognized in order.
type TesseractRecognizer struct {
	tesseract string
	pdftoppm  string
	dpi       int
	run       CommandRunner
	logger    *slog.Logger
}

var _ Recognizer = (*TesseractRecognizer)(nil)

// TesseractOption configures a TesseractRecognizer.
type TesseractOption func(*TesseractRecognizer)

// WithTesseractPath overrides the tesseract binary.
func WithTesseractPath(path string) TesseractOption {
	return func(r *TesseractRecognizer) {
		r.tesseract = path
	}
}

// WithPdftoppmPath overrides the pdftoppm binary.
func WithPdftoppmPath(path string) TesseractOption {
	return func(r *TesseractRecognizer) {
		r.pdftoppm = path
	}
}

// WithRasterDPI sets the PDF rasterisation resolution.
func WithRasterDPI(dpi int) TesseractOption {
	return func(r *TesseractRecognizer) {
		if dpi > 0 {
			r.dpi = dpi
		}
	}
}

// WithCommandRunner replaces process execution, mainly for tests.
func WithCommandRunner(run CommandRunner) TesseractOption {
	return func(r *TesseractRecognizer) {
		r.run = run
	}
}

// WithRecognizerLogger sets the logger.
func WithRecognizerLogger(logger *slog.Logger) TesseractOption {
	return func(r *TesseractRecognizer) {
		r.logger = logger
	}
}

// NewTesseractRecognizer creates a recognizer using binaries found on PATH.
func NewTesseractRecognizer(opts ...TesseractOption) *TesseractRecognizer {
	r := &TesseractRecognizer{
		tesseract: "tesseract",
		pdftoppm:  "pdftoppm",
		dpi:       defaultRasterDPI,
		run:       execRunner,
		logger:    slog.Default().With("component", "tesseract"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recognize OCRs every page of src.
func (r *TesseractRecognizer) Recognize(ctx context.Context, src core.Descriptor, languages []string) (*core.OCRResult, error) {
	images := []string{src.SourcePath}
	if src.FileType() == core.FileTypePDF {
		dir, err := os.MkdirTemp("", "idp-ocr-*")
		if err != nil {
			return nil, core.NewStageError(core.StageOCR, core.ErrorKindInternal, "create raster dir", err)
		}
		defer os.RemoveAll(dir)

		images, err = r.rasterize(ctx, src.SourcePath, dir)
		if err != nil {
			return nil, err
		}
	}

	lang := tesseractLanguages(languages)
	result := &core.OCRResult{}
	var confSum float64
	var words int
	for i, image := range images {
		out, err := r.run(ctx, r.tesseract, image, "stdout", "-l", lang, "tsv")
		if err != nil {
			return nil, r.commandError(ctx, "tesseract", err)
		}
		lines, sum, n := parseTSV(out, i+1)
		result.Lines = append(result.Lines, lines...)
		confSum += sum
		words += n
	}
	if words > 0 {
		result.Confidence = confSum / float64(words) / 100
	}

	r.logger.Info("OCR complete", "source", src.Name(), "pages", len(images), "lines", len(result.Lines), "confidence", result.Confidence)
	return result, nil
}

// rasterize renders each PDF page to a PNG and returns the files in page order.
func (r *TesseractRecognizer) rasterize(ctx context.Context, pdf, dir string) ([]string, error) {
	prefix := filepath.Join(dir, "page")
	if _, err := r.run(ctx, r.pdftoppm, "-r", strconv.Itoa(r.dpi), "-png", pdf, prefix); err != nil {
		return nil, r.commandError(ctx, "pdftoppm", err)
	}
	images, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, core.NewStageError(core.StageOCR, core.ErrorKindInternal, "list rasterised pages", err)
	}
	// pdftoppm zero-pads page numbers to a common width, so lexical order is page order
	slices.Sort(images)
	return images, nil
}

// commandError classifies a failed external command.
func (r *TesseractRecognizer) commandError(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return core.NewStageError(core.StageOCR, core.ErrorKindTimeout, name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return core.NewStageError(core.StageOCR, core.ErrorKindInvalidInput, name+" rejected input", err)
	}
	return core.NewStageError(core.StageOCR, core.ClassifyError(err), name, err)
}

// tesseractLanguages converts request codes into a tesseract -l argument.
func tesseractLanguages(languages []string) string {
	if len(languages) == 0 {
		return "eng"
	}
	codes := make([]string, 0, len(languages))
	for _, lang := range languages {
		code, ok := languageCodes[strings.ToLower(lang)]
		if !ok {
			code = lang
		}
		if !slices.Contains(codes, code) {
			codes = append(codes, code)
		}
	}
	return strings.Join(codes, "+")
}

// parseTSV groups word rows of tesseract TSV output into lines.
// It returns the lines, the sum of word confidences (0-100) and the word count.
func parseTSV(data []byte, page int) ([]core.OCRLine, float64, int) {
	type lineKey struct{ block, par, line string }

	var lines []core.OCRLine
	var current lineKey
	var words []string
	var lineConf float64
	var confSum float64
	var total int

	flush := func() {
		if len(words) > 0 {
			lines = append(lines, core.OCRLine{
				Page:       page,
				Text:       strings.Join(words, " "),
				Confidence: lineConf / float64(len(words)) / 100,
			})
		}
		words = nil
		lineConf = 0
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		// level page block par line word left top width height conf text
		fields := strings.SplitN(scanner.Text(), "\t", 12)
		if len(fields) < 12 || fields[0] != "5" {
			continue
		}
		text := strings.TrimSpace(fields[11])
		conf, err := strconv.ParseFloat(fields[10], 64)
		if err != nil || conf < 0 || text == "" {
			continue
		}
		key := lineKey{fields[2], fields[3], fields[4]}
		if key != current {
			flush()
			current = key
		}
		words = append(words, text)
		lineConf += conf
		confSum += conf
		total++
	}
	flush()
	return lines, confSum, total
}
