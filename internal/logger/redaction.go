package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials in log lines: authorization headers, API keys,
// tokens and passwords that tool descriptors and arguments may carry.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor with the built-in rules.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			{regexp.MustCompile(`(?i)\b(bearer|basic)\s+[a-z0-9._~+/=-]{8,}`), "$1 " + redacted},
			{regexp.MustCompile(`(?i)("?\b(?:x-api-key|api_key|apikey|token|password|secret)"?\s*[:=]\s*"?)[^"\s,}]+`), "${1}" + redacted},
			{regexp.MustCompile(`(?i)(https?|wss?)://[^/\s:@]+:[^/\s@]+@`), "$1://" + redacted + "@"},
			{regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
		},
	}
}

// AddPattern masks every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact returns s with every secret masked.
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{w: w, r: r}
}

type redactingWriter struct {
	w io.Writer
	r *Redactor
}

// Write reports len(p) on success so callers do not treat the masked,
// differently sized output as a short write.
func (rw *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(rw.w, rw.r.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
