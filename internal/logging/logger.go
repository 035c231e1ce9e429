// Package logging provides structured logging with automatic secret redaction.
package logging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Known secret field names that must be redacted in all log output.
var secretFieldNames = []string{
	"secretaccesskey",
	"secret_value",
	"secretvalue",
	"sessiontoken",
	"token",
	"password",
	"secret",
	"private_key",
	"privatekey",
	"clientsecret",
	"credentials",
	"secret_key",
	"secretkey",
}

// RedactingWriter wraps an io.Writer and redacts the values of secret fields
// in each JSON log event before passing it on.
type RedactingWriter struct {
	inner io.Writer
}

// NewRedactingWriter creates a writer that redacts secret field values from log output.
func NewRedactingWriter(inner io.Writer) *RedactingWriter {
	return &RedactingWriter{inner: inner}
}

func (rw *RedactingWriter) Write(p []byte) (int, error) {
	var event map[string]any
	if err := json.Unmarshal(p, &event); err != nil || !redactFields(event) {
		return rw.inner.Write(p)
	}

	out, err := json.Marshal(event)
	if err != nil {
		return rw.inner.Write(p)
	}
	if bytes.HasSuffix(p, []byte("\n")) {
		out = append(out, '\n')
	}
	if _, err := rw.inner.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// redactFields rewrites secret values in place and reports whether anything changed.
func redactFields(m map[string]any) bool {
	changed := false
	for k, v := range m {
		if IsSecretField(k) {
			switch val := v.(type) {
			case string:
				m[k] = RedactValue(val)
			case nil:
				continue
			default:
				raw, _ := json.Marshal(val)
				m[k] = RedactValue(string(raw))
			}
			changed = true
			continue
		}
		if nested, ok := v.(map[string]any); ok && redactFields(nested) {
			changed = true
		}
	}
	return changed
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// NewLogger creates a console logger on stderr with secret redaction.
func NewLogger(level string, component string) zerolog.Logger {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(&RedactingWriter{inner: writer}).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewJSONLogger creates a JSON-formatted logger for file output or machine consumption.
func NewJSONLogger(w io.Writer, level string, component string) zerolog.Logger {
	return zerolog.New(&RedactingWriter{inner: w}).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// New picks the console or JSON logger by format name.
func New(format, level, component string) zerolog.Logger {
	if format == "json" {
		return NewJSONLogger(os.Stderr, level, component)
	}
	return NewLogger(level, component)
}

// IsSecretField checks if a field name is a known secret field that should be redacted.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret value with a safe placeholder containing a hash prefix.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}
