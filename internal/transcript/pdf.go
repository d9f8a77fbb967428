package transcript

import (
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// ReadPDF extracts the plain text of a PDF transcript export. The result
// feeds Segment like any other raw text; PDF line wrapping is left as-is.
func ReadPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	data, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(data), nil
}
