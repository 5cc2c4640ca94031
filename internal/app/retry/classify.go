package retry

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"strings"
	"syscall"

	"github.com/autostudy/autostudy/internal/domain"
)

// ClassifiedError carries an explicit classification chosen by the code that
// raised the failure.
type ClassifiedError struct {
	Class domain.ErrorClass
	Err   error
}

// Classified tags err with class. A nil err stays nil.
func Classified(class domain.ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

func (e *ClassifiedError) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classifier inspects a failure and reports a class when it recognizes it.
type Classifier func(err error) (domain.ErrorClass, bool)

// keywordRule maps message fragments to a class. Checked in order.
type keywordRule struct {
	class    domain.ErrorClass
	keywords []string
}

var keywordRules = []keywordRule{
	{domain.ClassRateLimit, []string{"rate limit", "ratelimit", "too many requests", "429", "quota exceeded", "throttl"}},
	{domain.ClassAuth, []string{"unauthorized", "unauthorised", "forbidden", "401", "403", "authentication", "not logged in", "token expired", "session expired", "captcha"}},
	{domain.ClassNetwork, []string{"connection", "timed out", "timeout", "network", "no such host", "dns", "unreachable", "reset by peer", "broken pipe", "eof"}},
	{domain.ClassTemporary, []string{"temporar", "unavailable", "503", "502", "try again", "busy"}},
}

// Classify assigns a class to err. Explicit tags win, then cancellation,
// then the controller's classifiers, then errno, filesystem and net error
// types, then message keywords. Anything left is unknown.
func (c *Controller) Classify(err error) domain.ErrorClass {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrCancelled) {
		return domain.ClassCancelled
	}
	for _, cl := range c.classifiers {
		if class, ok := cl(err); ok {
			return class
		}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if isNetworkErrno(errno) {
			return domain.ClassNetwork
		}
		return domain.ClassSystem
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return domain.ClassSystem
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ClassNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.class
			}
		}
	}
	return domain.ClassUnknown
}

func isNetworkErrno(e syscall.Errno) bool {
	switch e {
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
		syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH,
		syscall.ENETDOWN, syscall.EPIPE:
		return true
	}
	return false
}
