// Package recovery classifies tool failures and applies bounded
// retry/fallback policies to them.
package recovery

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/harun/toolrun/pkg/tool"
)

// Category is the failure class that selects a recovery strategy.
type Category string

const (
	CategoryTimeout       Category = "timeout"
	CategoryPermission    Category = "permission"
	CategoryNetwork       Category = "network"
	CategoryValidation    Category = "validation"
	CategoryResource      Category = "resource"
	CategoryConfiguration Category = "configuration"
	CategoryExecution     Category = "execution"
	CategoryUnknown       Category = "unknown"
)

// Categories lists every category in classification order.
func Categories() []Category {
	return []Category{
		CategoryTimeout,
		CategoryPermission,
		CategoryNetwork,
		CategoryValidation,
		CategoryResource,
		CategoryConfiguration,
		CategoryExecution,
		CategoryUnknown,
	}
}

// StatusCoder is implemented by errors carrying an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// ErrResourceExhausted marks a failure caused by local saturation (queue full,
// no free slots). Wrap it to have the error classified as resource.
var ErrResourceExhausted = errors.New("resource exhausted")

var keywords = []struct {
	category Category
	words    []string
}{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryPermission, []string{"permission denied", "unauthorized", "forbidden", "access denied"}},
	{CategoryNetwork, []string{"connection refused", "connection reset", "no such host", "network is unreachable", "broken pipe", "network error"}},
	{CategoryValidation, []string{"invalid", "validation", "malformed", "required parameter"}},
	{CategoryResource, []string{"rate limit", "too many requests", "quota", "resource exhausted", "out of memory", "capacity"}},
	{CategoryConfiguration, []string{"not configured", "misconfigured", "configuration", "missing credentials", "api key"}},
}

// Classify maps err to a category. Typed signals are checked first, then the
// error text. A generic *tool.ExecutionError only wins when neither its
// wrapped error nor its text says anything more specific.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if c, ok := classifyType(err); ok {
		return c
	}

	var execErr *tool.ExecutionError
	isExec := errors.As(err, &execErr)

	if c, ok := classifyText(errorText(err, execErr)); ok {
		return c
	}
	if isExec {
		return CategoryExecution
	}
	return CategoryUnknown
}

// errorText returns the text the keyword pass sees. The tool name inside an
// ExecutionError message is left out so that names never pick a category.
func errorText(err error, execErr *tool.ExecutionError) string {
	msg := err.Error()
	if execErr == nil {
		return msg
	}
	inner := ""
	if execErr.Err != nil {
		inner = execErr.Err.Error()
	}
	return strings.Replace(msg, execErr.Error(), inner, 1)
}

func classifyText(msg string) (Category, bool) {
	msg = strings.ToLower(msg)
	for _, k := range keywords {
		for _, w := range k.words {
			if strings.Contains(msg, w) {
				return k.category, true
			}
		}
	}
	return "", false
}

func classifyType(err error) (Category, bool) {
	var timeoutErr *tool.TimeoutError
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &timeoutErr) {
		return CategoryTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout, true
	}

	if errors.Is(err, os.ErrPermission) {
		return CategoryPermission, true
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		if c, ok := classifyStatus(coder.StatusCode()); ok {
			return c, true
		}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CategoryNetwork, true
	}

	var validationErr *tool.ValidationError
	if errors.As(err, &validationErr) {
		return CategoryValidation, true
	}

	if errors.Is(err, ErrResourceExhausted) {
		return CategoryResource, true
	}

	var configErr *tool.ConfigurationError
	var notFound *tool.NotFoundError
	if errors.As(err, &configErr) || errors.As(err, &notFound) || errors.Is(err, tool.ErrFunctionNotFound) {
		return CategoryConfiguration, true
	}

	return "", false
}

func classifyStatus(code int) (Category, bool) {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return CategoryPermission, true
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return CategoryTimeout, true
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return CategoryNetwork, true
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CategoryValidation, true
	case http.StatusTooManyRequests:
		return CategoryResource, true
	case http.StatusNotFound:
		return CategoryConfiguration, true
	case http.StatusInternalServerError:
		return CategoryExecution, true
	}
	return "", false
}
