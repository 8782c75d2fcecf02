package compression

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
)

const Extension = ".gz"

// Compress writes <path>.gz next to a finished log file and removes the original.
func Compress(rawFileName string) (string, error) {
	rawFile, err := os.Open(rawFileName)
	if err != nil {
		return "", fmt.Errorf("error opening raw file %s: %v", rawFileName, err)
	}

	defer rawFile.Close()

	gzippedFileName := rawFileName + Extension
	gzippedFile, err := os.Create(gzippedFileName)
	if err != nil {
		return "", fmt.Errorf("error creating file %s for compression: %v", gzippedFileName, err)
	}

	defer gzippedFile.Close()

	gzipWriter := gzip.NewWriter(gzippedFile)
	_, err = io.Copy(gzipWriter, rawFile)
	if err != nil {
		return "", fmt.Errorf("error writing data into %s: %v", gzippedFileName, err)
	}

	// Close, not only Flush: the gzip footer is written on Close.
	err = gzipWriter.Close()
	if err != nil {
		return "", fmt.Errorf("error finishing compressed data in %s: %v", gzippedFileName, err)
	}

	_ = rawFile.Close()
	if err := os.Remove(rawFileName); err != nil {
		return "", fmt.Errorf("error removing %s after compression: %v", rawFileName, err)
	}

	return gzippedFileName, nil
}

// Open returns a reader over a log file, decompressing it if it ends in .gz.
func Open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	if !strings.HasSuffix(path, Extension) {
		return file, nil
	}

	reader, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("error reading compressed file %s: %v", path, err)
	}

	return &gzipFile{Reader: reader, file: file}, nil
}

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (f *gzipFile) Close() error {
	readerErr := f.Reader.Close()
	fileErr := f.file.Close()
	if readerErr != nil {
		return readerErr
	}

	return fileErr
}
